package payments

// ReturnDisposition is the authoritative handling for an ACH return code.
type ReturnDisposition struct {
	Code          string
	AutoRetry     bool // eligible for retry up to MaxRetries
	PauseAccount  bool // external bank account is paused
	ManualReview  bool // operator must review before any further action
	Description   string
}

// MaxRetries caps automatic retries for retry-eligible return codes.
const MaxRetries = 2

// returnMatrix is the authoritative return-code handling table.
var returnMatrix = map[string]ReturnDisposition{
	"R01": {Code: "R01", AutoRetry: true, Description: "insufficient funds"},
	"R09": {Code: "R09", AutoRetry: true, Description: "uncollected funds"},
	"R02": {Code: "R02", PauseAccount: true, Description: "account closed"},
	"R03": {Code: "R03", PauseAccount: true, Description: "no account / unable to locate"},
	"R29": {Code: "R29", PauseAccount: true, ManualReview: true, Description: "corporate customer advises not authorized"},
}

// DispositionFor returns the handling for a return code. Unknown codes are
// conservative: account paused, no retry, manual review.
func DispositionFor(code string) ReturnDisposition {
	if d, ok := returnMatrix[code]; ok {
		return d
	}
	return ReturnDisposition{Code: code, PauseAccount: true, ManualReview: true, Description: "unrecognized return code"}
}
