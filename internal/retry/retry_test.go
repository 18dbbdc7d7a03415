package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message     string
		category    Category
		subcategory string
		confidence  float64
	}{
		{"Tests failed", CategoryVerification, "tests", ConfidencePattern},
		{"3 tests failed in handler_test.go", CategoryVerification, "tests", ConfidencePattern},
		{"AssertionError: expected 2 to equal 3", CategoryVerification, "assertion", ConfidencePattern},
		{"acceptance criteria ac-2 not met", CategoryVerification, "criteria", ConfidencePattern},
		{"connect ECONNREFUSED 127.0.0.1:5432", CategoryAPI, "connection", ConfidencePattern},
		{"ECONNREFUSED", CategoryAPI, "connection", ConfidencePattern},
		{"Rate limit reached for requests", CategoryAPI, "rate_limit", ConfidencePattern},
		{"upstream overloaded, try again", CategoryAPI, "overloaded", ConfidencePattern},
		{"SyntaxError: Unexpected token }", CategorySyntax, "unexpected_token", ConfidencePattern},
		{"compilation failed: 2 errors", CategorySyntax, "compile", ConfidencePattern},
		{"TypeError: x is not a function", CategoryRuntime, "type_error", ConfidencePattern},
		{"panic: runtime error: invalid memory address or nil pointer dereference", CategoryRuntime, "null_reference", ConfidencePattern},
		{"ENOENT: no such file or directory", CategoryRuntime, "filesystem", ConfidencePattern},
		{"request timed out after 30s", CategoryTimeout, SubcategoryGeneral, ConfidencePattern},
		{"heartbeat timeout: no progress for 10m", CategoryTimeout, "heartbeat", ConfidencePattern},
		{"context deadline exceeded", CategoryTimeout, "deadline", ConfidencePattern},
		{"This model's maximum context length is 200000 tokens", CategoryContext, "context_length", ConfidencePattern},
		{"SQL injection in search handler", CategorySecurity, "injection", ConfidencePattern},
		{"hardcoded api key in config.go", CategorySecurity, "secret_exposure", ConfidencePattern},
		{"function returns wrong result for empty input", CategoryLogic, "wrong_output", ConfidencePattern},
		{"got status 404 from upstream", CategoryAPI, "http_404", ConfidenceHTTPStatus},
		{"upstream responded 502", CategoryAPI, SubcategoryServerError, ConfidenceHTTPStatus},
		{"listening on 8080, got 200 then 429", CategoryAPI, "http_429", ConfidenceHTTPStatus},
		{"random gibberish xyz", CategoryManualReview, SubcategoryUnclassified, ConfidenceFallback},
		{"", CategoryManualReview, SubcategoryEmptyError, ConfidenceEmpty},
		{"   \n\t", CategoryManualReview, SubcategoryEmptyError, ConfidenceEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			got := Classify(tt.message)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.subcategory, got.Subcategory)
			assert.Equal(t, tt.confidence, got.Confidence)
		})
	}
}

func TestClassifyFirstMatchingCategoryWins(t *testing.T) {
	// syntax is checked before verification
	got := Classify("tests failed: SyntaxError in fixture")
	assert.Equal(t, CategorySyntax, got.Category)

	// a pattern match beats an embedded status code
	got = Classify("ECONNRESET while reading 503 body")
	assert.Equal(t, CategoryAPI, got.Category)
	assert.Equal(t, "connection", got.Subcategory)
	assert.Equal(t, ConfidencePattern, got.Confidence)
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		category Category
		max      int
		backoff  BackoffType
		base     time.Duration
	}{
		{CategoryAPI, 7, BackoffExponential, time.Second},
		{CategoryTimeout, 5, BackoffExponential, 2 * time.Second},
		{CategoryRuntime, 3, BackoffLinear, 5 * time.Second},
		{CategoryLogic, 2, BackoffLinear, 3 * time.Second},
		{CategorySyntax, 0, BackoffNone, 0},
		{CategoryContext, 1, BackoffLinear, 5 * time.Second},
		{CategorySecurity, 3, BackoffLinear, 5 * time.Second},
		{CategoryVerification, 3, BackoffLinear, 5 * time.Second},
		{CategoryManualReview, 0, BackoffNone, 0},
		{"nonsense", 0, BackoffNone, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			p := PolicyFor(tt.category)
			assert.Equal(t, tt.max, p.MaxRetries)
			assert.Equal(t, tt.backoff, p.Backoff)
			assert.Equal(t, tt.base, p.BaseDelay)
		})
	}
}

func TestEveryCategoryHasPolicy(t *testing.T) {
	for _, c := range Categories() {
		assert.Equal(t, c, PolicyFor(c).Category)
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(CategoryAPI, 0))
	assert.True(t, ShouldRetry(CategoryAPI, 6))
	assert.False(t, ShouldRetry(CategoryAPI, 7))
	assert.False(t, ShouldRetry(CategorySyntax, 0))
	assert.False(t, ShouldRetry(CategoryManualReview, 0))
	assert.True(t, ShouldRetry(CategoryContext, 0))
	assert.False(t, ShouldRetry(CategoryContext, 1))
	assert.False(t, ShouldRetry("unknown", 0))
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		category Category
		attempt  int
		want     time.Duration
	}{
		{CategoryAPI, 1, 1000 * time.Millisecond},
		{CategoryAPI, 2, 2000 * time.Millisecond},
		{CategoryAPI, 3, 4000 * time.Millisecond},
		{CategoryTimeout, 1, 2000 * time.Millisecond},
		{CategoryTimeout, 4, 16000 * time.Millisecond},
		{CategoryRuntime, 1, 5000 * time.Millisecond},
		{CategoryRuntime, 3, 15000 * time.Millisecond},
		{CategoryLogic, 2, 6000 * time.Millisecond},
		{CategorySyntax, 1, 0},
		{CategoryManualReview, 5, 0},
		{CategoryAPI, 0, 1000 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			assert.Equal(t, tt.want, BackoffDelay(tt.category, tt.attempt))
		})
	}
}

func TestBackoffDelayIsDeterministicAndBounded(t *testing.T) {
	assert.Equal(t, BackoffDelay(CategoryAPI, 5), BackoffDelay(CategoryAPI, 5))
	big := BackoffDelay(CategoryAPI, 1000)
	assert.Greater(t, big, time.Duration(0))
	assert.Equal(t, big, BackoffDelay(CategoryAPI, 2000))
}

func TestDecide(t *testing.T) {
	d := Decide("ECONNREFUSED", 2)
	assert.True(t, d.Retry)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, 4*time.Second, d.Delay)

	d = Decide("SyntaxError: Unexpected token", 0)
	assert.False(t, d.Retry)
	assert.Zero(t, d.Delay)
	assert.Equal(t, CategorySyntax, d.Policy.Category)
}
