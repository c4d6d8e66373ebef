package connectors

const (
	TopicConnStatus   = "conn.status"
	TopicNodeInfo     = "node.info"
	TopicChatMessage  = "chat.message"
	TopicSyncProgress = "sync.progress"
	TopicSyncComplete = "sync.complete"
	TopicDebugLog     = "debug.logline"
	TopicRebooted     = "device.rebooted"
	TopicRawFrameIn   = "raw.frame.in"
	TopicRawFrameOut  = "raw.frame.out"
)
