package main

// GlobalFlags holds persistent flags shared by all subcommands.
type GlobalFlags struct {
	ConfigPath string
}

// SyncFlags Flag structs to decouple cobra from logic for testing.
type SyncFlags struct {
	ConfigPath string
	DryRun     bool
	BatchSize  int
	Cleanup    bool
	Force      bool
}

type AnalyzeFlags struct {
	ConfigPath string
	Command    string
}

type ServeFlags struct {
	ConfigPath string
}
