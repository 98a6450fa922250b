package config

const (
	// TopicJobDispatch is the NSQ topic carrying submitted job tasks to the
	// dispatch worker.
	TopicJobDispatch = "jobs.dispatch"
)
