package webhook

import "errors"

var (
	// ErrSignatureMissing is returned when the signature headers are absent or malformed.
	ErrSignatureMissing = errors.New("webhook: signature missing")
	// ErrSignatureMismatch is returned when the computed HMAC differs from the provided one.
	ErrSignatureMismatch = errors.New("webhook: signature mismatch")
	// ErrSignatureStale is returned when the signed timestamp is outside the freshness window.
	ErrSignatureStale = errors.New("webhook: signature timestamp outside tolerance")

	// ErrMissingIdentifier is returned when a notification carries no resource id.
	ErrMissingIdentifier = errors.New("webhook: missing resource identifier")
	// ErrIgnoredTopic is returned for topics the reconciler does not act on.
	ErrIgnoredTopic = errors.New("webhook: topic ignored")
	// ErrNormalizationFailed is returned when the gateway resource could not be fetched or read.
	ErrNormalizationFailed = errors.New("webhook: normalization failed")
	// ErrUnmappedStatus is returned for gateway statuses without an internal equivalent.
	ErrUnmappedStatus = errors.New("webhook: unmapped gateway status")
	// ErrMissingExternalReference is returned when a pre-approval carries no organization id.
	ErrMissingExternalReference = errors.New("webhook: missing external reference")
	// ErrCorruptMetadata is returned when a ledger record cannot be turned back into an event.
	ErrCorruptMetadata = errors.New("webhook: ledger metadata unreadable")
)
