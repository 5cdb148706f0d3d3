package config

const (
	// TopicIngestTask is the NSQ topic other services publish ingestion
	// requests on.
	TopicIngestTask = "ingest.task"

	// ChannelIngestWorker is the durable channel ingestion workers share.
	ChannelIngestWorker = "ingestion-worker"
)
