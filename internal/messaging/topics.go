package messaging

// Topic constants for the lab messaging system
const (
	// TopicGenerations carries generation-closed events, coordinator → consumers.
	TopicGenerations = "minelab.generations"
	// TopicStats carries periodic aggregate snapshots, monitor → consumers.
	TopicStats = "minelab.stats"
)
