package constant

const (
	ExecutionEngineQueueName  = "execution_engine_queue"
	ExecutionEngineQueueGroup = "execution_engine_group"

	ExecutionEngineStreamName              = "execution_engine"
	ExecutionEngineStreamSubjectAll        = "execution_engine.*"
	ExecutionEngineStreamSubjectPlaceOrder = "execution_engine.place_order"

	LifecycleStreamName       = "execution_engine_lifecycle"
	LifecycleStreamSubjectAll = "execution_engine_lifecycle.>"
	// LifecycleStreamSubjectPrefix is followed by the event type.
	LifecycleStreamSubjectPrefix = "execution_engine_lifecycle."
)

const (
	ProductionEnvironment  = "production"
	DevelopmentEnvironment = "development"
)
