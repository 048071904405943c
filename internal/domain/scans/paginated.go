package scans

// MaxPage bounds ScanFilter.Page so the row offset cannot overflow.
const MaxPage = 1_000_000

// ScanFilter narrows a tenant's scan listing.
type ScanFilter struct {
	Status       Status
	Benchmark    string
	AssignmentID string
	Page         int
	PageSize     int
}

// ResultFilter narrows a scan's result listing.
type ResultFilter struct {
	Outcome  Outcome
	Category string
	Limit    int
	Offset   int
}

// PaginatedResult represents a paginated response with data and metadata
type PaginatedResult struct {
	Data       []*Scan `json:"data"`
	Page       int     `json:"page"`
	PageSize   int     `json:"pageSize"`
	Total      int64   `json:"totalItems"`
	TotalPages int     `json:"totalPages"`
}

// ResultPage is an offset/limit page of check results.
type ResultPage struct {
	Data   []*CheckResult `json:"data"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
	Total  int64          `json:"totalItems"`
}
