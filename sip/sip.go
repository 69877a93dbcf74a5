// Package sip implements the transaction and forking core of a stateful
// SIP proxy: the client transaction state machines of RFC 3261 §17.1 with
// the RFC 6026 accepted states, the parallel/serial forking proxy
// algorithm of RFC 3261 §16 with best-response selection, CANCEL
// propagation, authentication retry, and the stateless fast path.
//
// The package does not parse or serialize wire messages and does not own
// sockets; those concerns are consumed through the [Transport], [Dialog],
// [Auth] and [UASBridge] collaborator interfaces. All state for one
// Call-ID lives in a [Call], which serializes every event (inbound
// message, timer firing, user API call) so that no lock is needed inside
// the state machines themselves.
package sip

//go:generate errtrace -w .

import (
	"github.com/sipward/sipward/internal/types"
)

// RequestMethod is a SIP request method.
type RequestMethod = types.RequestMethod

// Request methods.
const (
	RequestMethodAck       = types.RequestMethodAck
	RequestMethodBye       = types.RequestMethodBye
	RequestMethodCancel    = types.RequestMethodCancel
	RequestMethodInfo      = types.RequestMethodInfo
	RequestMethodInvite    = types.RequestMethodInvite
	RequestMethodMessage   = types.RequestMethodMessage
	RequestMethodNotify    = types.RequestMethodNotify
	RequestMethodOptions   = types.RequestMethodOptions
	RequestMethodPrack     = types.RequestMethodPrack
	RequestMethodPublish   = types.RequestMethodPublish
	RequestMethodRefer     = types.RequestMethodRefer
	RequestMethodRegister  = types.RequestMethodRegister
	RequestMethodSubscribe = types.RequestMethodSubscribe
	RequestMethodUpdate    = types.RequestMethodUpdate
)

// ResponseStatus is a SIP response status code.
type ResponseStatus = types.ResponseStatus

// Response statuses used by the engine itself.
const (
	ResponseStatusTrying                      = types.ResponseStatusTrying
	ResponseStatusRinging                     = types.ResponseStatusRinging
	ResponseStatusOK                          = types.ResponseStatusOK
	ResponseStatusMovedTemporarily            = types.ResponseStatusMovedTemporarily
	ResponseStatusBadRequest                  = types.ResponseStatusBadRequest
	ResponseStatusUnauthorized                = types.ResponseStatusUnauthorized
	ResponseStatusForbidden                   = types.ResponseStatusForbidden
	ResponseStatusNotFound                    = types.ResponseStatusNotFound
	ResponseStatusProxyAuthenticationRequired = types.ResponseStatusProxyAuthenticationRequired
	ResponseStatusRequestTimeout              = types.ResponseStatusRequestTimeout
	ResponseStatusUnsupportedMediaType        = types.ResponseStatusUnsupportedMediaType
	ResponseStatusBadExtension                = types.ResponseStatusBadExtension
	ResponseStatusExtensionRequired           = types.ResponseStatusExtensionRequired
	ResponseStatusFlowFailed                  = types.ResponseStatusFlowFailed
	ResponseStatusTemporarilyUnavailable      = types.ResponseStatusTemporarilyUnavailable
	ResponseStatusCallTransactionDoesNotExist = types.ResponseStatusCallTransactionDoesNotExist
	ResponseStatusLoopDetected                = types.ResponseStatusLoopDetected
	ResponseStatusTooManyHops                 = types.ResponseStatusTooManyHops
	ResponseStatusAddressIncomplete           = types.ResponseStatusAddressIncomplete
	ResponseStatusBusyHere                    = types.ResponseStatusBusyHere
	ResponseStatusRequestTerminated           = types.ResponseStatusRequestTerminated
	ResponseStatusRequestPending              = types.ResponseStatusRequestPending
	ResponseStatusServerInternalError         = types.ResponseStatusServerInternalError
	ResponseStatusServiceUnavailable          = types.ResponseStatusServiceUnavailable
)

// Values maps a lower-cased key to a list of string values.
// It is used for URI and header parameters.
type Values = types.Values

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"
