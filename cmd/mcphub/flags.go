package main

// ServeFlags are the flags of the serve command
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type CreateFlags struct {
	ID          string
	Name        string
	Description string
	Type        string
	Command     string
	WorkDir     string
	Env         []string
	Port        int
	AutoStart   bool
	Start       bool
}

type LogsFlags struct {
	Level  string
	Since  string
	Until  string
	Limit  int
	Offset int
	Text   bool
	Clear  bool
}

type HealthFlags struct {
	Check   bool
	History int
}
