package metrics

// IngestMetricsInterface is implemented by the process-wide counter set
// shared by both codecs and the connection handler.
type IngestMetricsInterface interface {
	AddReceivedBytes(count uint64)
	AddReceivedFrames(count uint64)
	AddMalformedFrames(count uint64)
	AddRejectedConnections(count uint64)
	AddStoreDrops(count uint64)
	AddResentFrames(count uint64)
	AddCoalescedTouches(count uint64)
}
