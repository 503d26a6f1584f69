package kusto

import (
	"strings"

	"github.com/gh-analytics/sft-export/internal/resilience"
)

// fatalPatterns mark failures retrying cannot fix: the query exceeded the
// backend's memory budget or is semantically/syntactically broken. The
// service reports these only as message text, so classification has to
// match substrings here; callers see typed errors, never patterns.
var fatalPatterns = []string{
	"e_low_memory",
	"low memory",
	"semantic error",
	"semanticerror",
	"syntax error",
	"syntaxerror",
	"badargumenterror",
}

// transientPatterns mark failures worth retrying: network trouble,
// throttling, service-side hiccups.
var transientPatterns = []string{
	"network",
	"timeout",
	"connection",
	"failed to process",
	"service unavailable",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
}

// Classify wraps err with a retryability discriminant. Fatal patterns win
// over transient ones; unrecognized errors are treated as transient so an
// unknown hiccup does not kill an hours-long run.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsFatal(err) || resilience.IsTransient(err) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return resilience.NewFatalError(err)
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return resilience.NewTransientError(err)
		}
	}
	return resilience.NewTransientError(err)
}
