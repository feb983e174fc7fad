package relay

import (
	"context"
	"strings"
	"time"
)

// TerminationReason explains why a stream stopped. Values are ordered
// by precedence (lowest value wins when two conditions trigger in the
// same step): user-cancelled beats error beats timeout beats
// stop-sequence beats quality-threshold beats natural completion.
type TerminationReason int

const (
	TerminationUserCancelled TerminationReason = iota
	TerminationError
	TerminationTimeout
	TerminationStopSequence
	TerminationQualityThreshold
	TerminationComplete
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationUserCancelled:
		return "user_cancelled"
	case TerminationError:
		return "error"
	case TerminationTimeout:
		return "timeout"
	case TerminationStopSequence:
		return "stop_sequence"
	case TerminationQualityThreshold:
		return "quality_threshold"
	case TerminationComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// StreamChunk is one relayed token/fragment.
type StreamChunk struct {
	Content   string
	Index     int
	Timestamp time.Time
}

// StreamResult is the terminal summary available once a stream ends.
type StreamResult struct {
	FullContent       string
	Chunks            []StreamChunk
	TerminationReason TerminationReason
	TotalTokens       int
	Duration          time.Duration
}

// QualityCheck configures the supervisor's early-termination heuristic.
type QualityCheck struct {
	MinLength        int      // don't evaluate before accumulated text reaches this length
	CheckInterval    int      // evaluate every k-th chunk (default 20)
	CompletionMarker string   // case-insensitive substring signalling natural completion; "" disables
}

func (q QualityCheck) effective() QualityCheck {
	if q.CheckInterval <= 0 {
		q.CheckInterval = 20
	}
	if q.MinLength <= 0 {
		q.MinLength = 50
	}
	return q
}

// shouldTerminateEarly implements the quality heuristic: after the
// accumulated text reaches MinLength, on every CheckInterval-th chunk,
// check for a configured completion marker (case-insensitive substring)
// or the last three newline-separated lines being identical.
func (q QualityCheck) shouldTerminateEarly(accumulated string, chunkCount int) bool {
	if len(accumulated) < q.MinLength {
		return false
	}
	if chunkCount%q.CheckInterval != 0 {
		return false
	}
	if q.CompletionMarker != "" && strings.Contains(strings.ToLower(accumulated), strings.ToLower(q.CompletionMarker)) {
		return true
	}
	lines := strings.Split(strings.TrimRight(accumulated, "\n"), "\n")
	if len(lines) >= 3 {
		last3 := lines[len(lines)-3:]
		if last3[0] != "" && last3[0] == last3[1] && last3[1] == last3[2] {
			return true
		}
	}
	return false
}

// StreamSupervisor relays tokens from a source channel to a caller,
// stopping early on a stop-sequence, quality heuristic, or wall-clock
// timeout, and collecting a terminal StreamResult.
type StreamSupervisor struct {
	StopSequences []string
	Quality       *QualityCheck // nil disables the heuristic
	Timeout       time.Duration // 0 disables the wall-clock check
}

// Relay pulls chunks from source until it closes or a termination
// condition fires, pushing each accepted chunk to out (buffered by the
// caller's own iteration — the supervisor applies no internal queueing)
// and returning the final StreamResult. If ctx is cancelled, the
// supervisor stops pulling and terminates with user_cancelled.
func (s *StreamSupervisor) Relay(ctx context.Context, source <-chan string, out chan<- StreamChunk) StreamResult {
	start := time.Now()
	var (
		chunks      []StreamChunk
		accumulated strings.Builder
		reason      = TerminationComplete
	)

	var timeoutC <-chan time.Time
	if s.Timeout > 0 {
		timer := time.NewTimer(s.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	quality := QualityCheck{}
	if s.Quality != nil {
		quality = s.Quality.effective()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			reason = TerminationUserCancelled
			break loop

		case <-timeoutC:
			reason = TerminationTimeout
			break loop

		case content, ok := <-source:
			if !ok {
				reason = TerminationComplete
				break loop
			}

			chunk := StreamChunk{Content: content, Index: len(chunks), Timestamp: time.Now()}
			chunks = append(chunks, chunk)
			accumulated.WriteString(content)
			out <- chunk

			if stop, matched := matchesStopSequence(accumulated.String(), s.StopSequences); stop {
				_ = matched
				reason = TerminationStopSequence
				break loop
			}

			if s.Quality != nil && quality.shouldTerminateEarly(accumulated.String(), len(chunks)) {
				reason = TerminationQualityThreshold
				break loop
			}
		}
	}

	return StreamResult{
		FullContent:       accumulated.String(),
		Chunks:            chunks,
		TerminationReason: reason,
		TotalTokens:       len(chunks),
		Duration:          time.Since(start),
	}
}

func matchesStopSequence(accumulated string, stopSequences []string) (bool, string) {
	for _, seq := range stopSequences {
		if seq == "" {
			continue
		}
		if strings.Contains(accumulated, seq) {
			return true, seq
		}
	}
	return false, ""
}
