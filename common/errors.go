package common

import "strings"

const (
	ErrCodeBadRequestInvalidBody      = "bad_request.body.invalid"
	ErrCodeBadRequestMissingQueueId   = "bad_request.body.queue_id.missing"
	ErrCodeBadRequestMissingItemId    = "bad_request.body.item_id.missing"
	ErrCodeBadRequestInvalidQueueType = "bad_request.body.queue_type.invalid"
	ErrCodeBadRequestNoItems          = "bad_request.body.items.empty"
	ErrCodeBadRequestTooManyItems     = "bad_request.body.items.exceeds_limit"
	ErrCodeBadRequestItemTooLarge     = "bad_request.body.item.exceeds_size_limit"
	ErrCodeBadRequestItemNotClaimed   = "bad_request.item.not_claimed"
	ErrCodeSitemapUnreachable         = "sitemap.unreachable"
	ErrCodeSitemapInvalid             = "sitemap.invalid"
	ErrCodeNotFoundQueue              = "not_found.queue"
	ErrCodeNotFoundItem               = "not_found.item"
	ErrCodeInternal                   = "internal"
)

var (
	ErrBadRequestInvalidBody      = &KbqError{Code: ErrCodeBadRequestInvalidBody}
	ErrBadRequestMissingQueueId   = &KbqError{Code: ErrCodeBadRequestMissingQueueId}
	ErrBadRequestMissingItemId    = &KbqError{Code: ErrCodeBadRequestMissingItemId}
	ErrBadRequestInvalidQueueType = &KbqError{Code: ErrCodeBadRequestInvalidQueueType}
	ErrBadRequestNoItems          = &KbqError{Code: ErrCodeBadRequestNoItems}
	ErrBadRequestTooManyItems     = &KbqError{Code: ErrCodeBadRequestTooManyItems}
	ErrBadRequestItemTooLarge     = &KbqError{Code: ErrCodeBadRequestItemTooLarge}
	ErrBadRequestItemNotClaimed   = &KbqError{Code: ErrCodeBadRequestItemNotClaimed}
	ErrSitemapUnreachable         = &KbqError{Code: ErrCodeSitemapUnreachable}
	ErrSitemapInvalid             = &KbqError{Code: ErrCodeSitemapInvalid}
	ErrNotFoundQueue              = &KbqError{Code: ErrCodeNotFoundQueue}
	ErrNotFoundItem               = &KbqError{Code: ErrCodeNotFoundItem}
	ErrInternal                   = &KbqError{Code: ErrCodeInternal}
)

type KbqError struct {
	Code string
}

func (ke *KbqError) Error() string {
	return ke.Code
}

// IsBadRequest reports whether the error code belongs to the caller's input rather than the server state.
func (ke *KbqError) IsBadRequest() bool {
	return strings.HasPrefix(ke.Code, "bad_request.") || strings.HasPrefix(ke.Code, "sitemap.")
}

func (ke *KbqError) IsNotFound() bool {
	return ke.Code == ErrCodeNotFoundQueue || ke.Code == ErrCodeNotFoundItem
}
