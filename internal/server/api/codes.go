package api

const (
	CodeInvalidRequest = "E_INVALID_REQUEST" // bad or invalid request
	CodeRateLimited    = "E_RATE_LIMITED"    // rate limit exceeded
	CodeInternalError  = "E_INTERNAL_ERROR"  // internal server error
	CodeNotFound       = "E_NOT_FOUND"       // no such route

	CodeJournalUnavailable = "E_JOURNAL_UNAVAILABLE" // the session journal is disabled or failed to open
	CodeJournalQueryFailed = "E_JOURNAL_QUERY_FAILED"
)
