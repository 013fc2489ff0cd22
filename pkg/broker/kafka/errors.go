package kafka

import "errors"

var (
	// ErrConnClosed is returned for requests on a closed connection. Requests
	// failed by a fatal connection error wrap it together with the cause.
	ErrConnClosed = errors.New("kafka connection closed")

	// ErrUnsupportedRequest means the broker does not advertise the request's API key.
	ErrUnsupportedRequest = errors.New("request not supported by broker")

	// ErrResponseTooLarge means a response frame exceeded ConnConfig.MaxResponseSize.
	ErrResponseTooLarge = errors.New("response exceeds maximum size")

	// ErrConsumerNotStarted is returned by Subscribe for a topic that has no
	// consumer configuration registered with StartConsumerGroup.
	ErrConsumerNotStarted = errors.New("consumer not started for topic")

	// ErrNoSeedBrokers means the client was configured without seed brokers.
	ErrNoSeedBrokers = errors.New("no seed brokers configured")

	// ErrConsumerClosed is returned by CommitOffset on a terminated partition consumer.
	ErrConsumerClosed = errors.New("partition consumer closed")
)
