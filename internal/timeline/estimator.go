package timeline

import (
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const DefaultSpeechRate = 5.0

// Estimator approximates spoken duration as characters / rate. The result is
// a scheduling placeholder so that dependent actions wait for a plausible
// utterance length; it does not reflect the real audio.
type Estimator struct {
	rate float64
	now  func() time.Time

	mu        sync.Mutex
	start     time.Time
	lastBegin int64
}

// NewEstimator starts the session clock. rate is in characters per second.
func NewEstimator(rate float64) *Estimator {
	return newEstimatorWithClock(rate, time.Now)
}

func newEstimatorWithClock(rate float64, now func() time.Time) *Estimator {
	if rate <= 0 {
		rate = DefaultSpeechRate
	}
	return &Estimator{rate: rate, now: now, start: now()}
}

func (e *Estimator) Mode() Mode {
	return Estimated
}

func (e *Estimator) Rate() float64 {
	return e.rate
}

// CharCount counts runes after NFC normalization, so composed and decomposed
// forms of the same text estimate alike.
func CharCount(text string) int {
	return utf8.RuneCountInString(norm.NFC.String(text))
}

// Duration is the estimated speaking time of text.
func (e *Estimator) Duration(text string) time.Duration {
	return time.Duration(float64(CharCount(text)) / e.rate * float64(time.Second))
}

// Resolve stamps the line at the current offset from session start. Begin
// never moves backwards relative to the previous line.
func (e *Estimator) Resolve(index int, text string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	begin := e.now().Sub(e.start).Milliseconds()
	if begin < e.lastBegin {
		begin = e.lastBegin
	}
	e.lastBegin = begin
	return Entry{
		Index:   index,
		Text:    text,
		BeginMs: begin,
		EndMs:   begin + e.Duration(text).Milliseconds(),
	}, nil
}
