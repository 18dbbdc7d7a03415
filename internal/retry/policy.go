package retry

import "time"

// BackoffType selects how the delay grows with each attempt
type BackoffType string

const (
	BackoffNone        BackoffType = "none"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Policy is the retry budget and backoff shape for one category
type Policy struct {
	Category   Category      `json:"category"`
	MaxRetries int           `json:"max_retries"`
	Backoff    BackoffType   `json:"backoff"`
	BaseDelay  time.Duration `json:"base_delay"`
}

var policies = map[Category]Policy{
	CategoryAPI:          {Category: CategoryAPI, MaxRetries: 7, Backoff: BackoffExponential, BaseDelay: 1000 * time.Millisecond},
	CategoryTimeout:      {Category: CategoryTimeout, MaxRetries: 5, Backoff: BackoffExponential, BaseDelay: 2000 * time.Millisecond},
	CategoryRuntime:      {Category: CategoryRuntime, MaxRetries: 3, Backoff: BackoffLinear, BaseDelay: 5000 * time.Millisecond},
	CategoryLogic:        {Category: CategoryLogic, MaxRetries: 2, Backoff: BackoffLinear, BaseDelay: 3000 * time.Millisecond},
	CategorySyntax:       {Category: CategorySyntax, MaxRetries: 0, Backoff: BackoffNone},
	CategoryContext:      {Category: CategoryContext, MaxRetries: 1, Backoff: BackoffLinear, BaseDelay: 5000 * time.Millisecond},
	CategorySecurity:     {Category: CategorySecurity, MaxRetries: 3, Backoff: BackoffLinear, BaseDelay: 5000 * time.Millisecond},
	CategoryVerification: {Category: CategoryVerification, MaxRetries: 3, Backoff: BackoffLinear, BaseDelay: 5000 * time.Millisecond},
	CategoryManualReview: {Category: CategoryManualReview, MaxRetries: 0, Backoff: BackoffNone},
}

// PolicyFor returns the retry policy for category.
// Unknown categories get the manual_review policy, which never retries.
func PolicyFor(category Category) Policy {
	if p, ok := policies[category]; ok {
		return p
	}
	return policies[CategoryManualReview]
}

// Categories returns every category that has a policy, in classification order
func Categories() []Category {
	out := make([]Category, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.category)
	}
	return append(out, CategoryManualReview)
}

// ShouldRetry reports whether a ticket that has already been retried
// retryCount times may be retried again for this category.
func ShouldRetry(category Category, retryCount int) bool {
	return retryCount < PolicyFor(category).MaxRetries
}

// Decision is the combined verdict for one failure
type Decision struct {
	Classification Classification
	Policy         Policy
	Retry          bool
	Attempt        int           // 1-based attempt number the delay was computed for
	Delay          time.Duration // zero when Retry is false
}

// Decide classifies message and applies the category's policy given the
// ticket's current retry count.
func Decide(message string, retryCount int) Decision {
	c := Classify(message)
	p := PolicyFor(c.Category)
	d := Decision{Classification: c, Policy: p, Attempt: retryCount + 1}
	if retryCount < p.MaxRetries {
		d.Retry = true
		d.Delay = BackoffDelay(c.Category, d.Attempt)
	}
	return d
}
