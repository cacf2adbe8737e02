package worker

// Phase 描述 Manager 在生命周期中的位置。
type Phase string

const (
	PhaseParsed     Phase = "parsed"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
	// PhaseRedundant 表示安装失败或已被新版本取代。
	PhaseRedundant Phase = "redundant"
)

// Source 标记一次 fetch 的响应来自哪里。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceShell       Source = "shell"
	SourceOffline     Source = "offline"
	SourcePassthrough Source = "passthrough"
)
