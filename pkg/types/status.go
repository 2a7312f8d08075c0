package types

import "fmt"

// StatusCode is the closed set of typed status codes the RPC surface and
// internal error propagation use (spec §6/§7).
type StatusCode string

const (
	CodeOK               StatusCode = "kOk"
	CodeBadRequest       StatusCode = "kBadRequest"
	CodeNameExists       StatusCode = "kNameExists"
	CodeTableNotFound    StatusCode = "kTableNotFound"
	CodeReplicaExists    StatusCode = "kReplicaExists"
	CodeReplicaNotFound  StatusCode = "kReplicaNotFound"
	CodeNotLeader        StatusCode = "kNotLeader"
	CodeZkError          StatusCode = "kZkError"
	CodeRpcError         StatusCode = "kRpcError"
	CodeInternal         StatusCode = "kInternal"
	CodeConflict         StatusCode = "kConflict"
)

// Status is a typed, comparable result code with a human-readable message.
// It satisfies the error interface so it can be returned directly from
// package functions and matched with errors.As.
type Status struct {
	Code    StatusCode
	Message string
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// OK reports whether the status represents success.
func (s *Status) OK() bool {
	return s == nil || s.Code == CodeOK
}

func NewStatus(code StatusCode, format string, args ...interface{}) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

func OKStatus() *Status { return &Status{Code: CodeOK} }

func NotLeader() *Status {
	return &Status{Code: CodeNotLeader, Message: "this name server does not hold the coordination lock"}
}

func TableNotFound(name string) *Status {
	return &Status{Code: CodeTableNotFound, Message: fmt.Sprintf("table %q not found", name)}
}

func NameExists(name string) *Status {
	return &Status{Code: CodeNameExists, Message: fmt.Sprintf("table %q already exists", name)}
}

func BadRequest(format string, args ...interface{}) *Status {
	return &Status{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...interface{}) *Status {
	return &Status{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

func ZkError(format string, args ...interface{}) *Status {
	return &Status{Code: CodeZkError, Message: fmt.Sprintf(format, args...)}
}

func RpcError(format string, args ...interface{}) *Status {
	return &Status{Code: CodeRpcError, Message: fmt.Sprintf(format, args...)}
}

func ReplicaExists(endpoint string) *Status {
	return &Status{Code: CodeReplicaExists, Message: fmt.Sprintf("replica %q already exists", endpoint)}
}

func ReplicaNotFound(endpoint string) *Status {
	return &Status{Code: CodeReplicaNotFound, Message: fmt.Sprintf("replica %q not found", endpoint)}
}

func Conflict(format string, args ...interface{}) *Status {
	return &Status{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}
