package broker

import "github.com/lattice-events/eventcore/pkg/errors"

// Error codes for broker operations.
const (
	CodeTransport          = errors.TransportError
	CodeValidation         = errors.ValidationError
	CodeTopicAlreadyExists = "BROKER_TOPIC_ALREADY_EXISTS"
	CodeTopicNotFound      = "BROKER_TOPIC_NOT_FOUND"
	CodeGroupNotFound      = "BROKER_GROUP_NOT_FOUND"
	CodeAuth               = errors.AuthError
)

// ErrTransport creates an error for broker/network failures.
func ErrTransport(err error) *errors.AppError {
	return errors.New(CodeTransport, "broker transport failure", err)
}

// ErrValidation creates an error for a malformed envelope or publish request.
func ErrValidation(msg string, err error) *errors.AppError {
	return errors.New(CodeValidation, msg, err)
}

// ErrTopicAlreadyExists creates an error for a duplicate topic creation.
func ErrTopicAlreadyExists(name string) *errors.AppError {
	return errors.New(CodeTopicAlreadyExists, "topic already exists: "+name, nil)
}

// ErrTopicNotFound creates an error for an unknown topic.
func ErrTopicNotFound(name string) *errors.AppError {
	return errors.New(CodeTopicNotFound, "topic not found: "+name, nil)
}

// ErrGroupNotFound creates an error for an unknown consumer group.
func ErrGroupNotFound(group string) *errors.AppError {
	return errors.New(CodeGroupNotFound, "consumer group not found: "+group, nil)
}

// ErrAuth creates an error for broker-level authorization failures.
func ErrAuth(msg string, err error) *errors.AppError {
	return errors.New(CodeAuth, msg, err)
}
