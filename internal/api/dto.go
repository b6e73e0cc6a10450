package api

// CreateSequenceResponse is returned by POST /v1/sequences.
type CreateSequenceResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Slot   int    `json:"slot"`
}

// AppendTokensRequest feeds new tokens to a sequence. A multi-token request
// is a prefill chunk; a single token is one decode step.
type AppendTokensRequest struct {
	Tokens []int `json:"tokens"`
}

// AppendTokensResponse reports the step outcome for one sequence.
type AppendTokensResponse struct {
	ID         string `json:"id"`
	Length     int    `json:"length"`
	Pages      int    `json:"pages"`
	NextToken  int    `json:"next_token"`
	DurationMS int64  `json:"duration_ms"`
}

// SequenceInfo is returned by GET /v1/sequences/:id.
type SequenceInfo struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Slot   int    `json:"slot"`
	Length int    `json:"length"`
	Pages  int    `json:"pages"`
}

// SequenceList is returned by GET /v1/sequences.
type SequenceList struct {
	Object string         `json:"object"`
	Data   []SequenceInfo `json:"data"`
}

// DeleteSequenceResponse confirms a release.
type DeleteSequenceResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// CacheStats is returned by GET /v1/cache.
type CacheStats struct {
	Object     string `json:"object"`
	NumPages   int    `json:"num_pages"`
	FreePages  int    `json:"free_pages"`
	PageSize   int    `json:"page_size"`
	MaxSeqs    int    `json:"max_seqs"`
	ActiveSeqs int    `json:"active_seqs"`
	MaxSeqLen  int    `json:"max_seq_len"`
	Generation uint64 `json:"generation"`
}

// ResponseError is the error payload shape shared by all endpoints.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
