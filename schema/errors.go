package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidManifest indicates the script code carries no usable manifest.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrInvalidScriptName indicates a name that normalizes to nothing.
	ErrInvalidScriptName = errors.New("invalid script name")
	// ErrInvalidTransition indicates a connection operation not valid in the current state.
	ErrInvalidTransition = errors.New("invalid connection transition")
	// ErrInvalidEndpoint indicates an unusable evaluation server address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrScriptExists indicates a rename target is taken and overwrite was not requested.
	ErrScriptExists = errors.New("script already exists")

	// ErrScriptNotFound indicates the named script does not exist.
	ErrScriptNotFound = errors.New("script not found")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrNoPendingMutation indicates nothing is queued for the name.
	ErrNoPendingMutation = errors.New("no pending mutation")
	// ErrSomeNotFound flags a bulk call where part of the targets were missing.
	ErrSomeNotFound = errors.New("some scripts not found")

	// ErrRemoteMutationDisabled indicates the remote-mutation gate is off.
	ErrRemoteMutationDisabled = errors.New("remote mutation disabled")
	// ErrDomainNotAllowed indicates the tab host is not on the installer whitelist.
	ErrDomainNotAllowed = errors.New("domain not allowed")
	// ErrBuiltinProtected indicates an attempt to change a built-in script.
	ErrBuiltinProtected = errors.New("built-in script cannot be modified")
	// ErrReservedNamespace indicates a user script named inside the built-in namespace.
	ErrReservedNamespace = errors.New("reserved script namespace")

	// ErrRuntimeUnavailable indicates the page runtime is absent or gone.
	ErrRuntimeUnavailable = errors.New("page runtime unavailable")
	// ErrExecutionBlocked indicates the page forbids dynamic code execution.
	ErrExecutionBlocked = errors.New("execution blocked by page policy")
	// ErrTransportClosed indicates the evaluation transport has closed.
	ErrTransportClosed = errors.New("transport closed")
	// ErrRequestAbandoned indicates a pending request's owner went away.
	ErrRequestAbandoned = errors.New("request abandoned")
)

// IsNotFound reports whether err belongs to the not-found class.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScriptNotFound) ||
		errors.Is(err, ErrTabNotFound) ||
		errors.Is(err, ErrNoPendingMutation) ||
		errors.Is(err, ErrSomeNotFound)
}
