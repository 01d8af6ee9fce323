package daemon

// Config locates the daemon's on-disk state.
type Config struct {
	// DataDir holds the connection registry database.
	DataDir string

	// ConfigFile is the watched YAML configuration file.
	ConfigFile string
}

// FileConfig is the daemon's watched configuration file.
type FileConfig struct {
	// SocketDir is where the hand-off listener socket is created.
	SocketDir string `json:"socketDir"`

	// Resampling toggles touch resampling for consumers the daemon owns.
	Resampling *bool `json:"resampling"`

	// FrameIntervalMs is the batch flush cadence in milliseconds.
	FrameIntervalMs int `json:"frameIntervalMs"`
}
