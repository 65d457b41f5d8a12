// Package llm implements the alignment worker described in spec.md §4.D:
// it consumes the raw queue, turns source text into an HSDS candidate via
// an LLM provider, validates the candidate, and fans the result out to the
// aligned and recorder queues.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/contentstore"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/hsds/schema"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/hsds/validate"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/llm/provider"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// AlertSink receives structured health signals the worker cannot resolve
// by retrying. internal/alerting implements this without the worker
// needing to import it.
type AlertSink interface {
	AuthNeeded(scraperID, detail string)
	QuotaExceeded(scraperID, detail string)
}

type noopAlertSink struct{}

func (noopAlertSink) AuthNeeded(string, string)    {}
func (noopAlertSink) QuotaExceeded(string, string) {}

// Worker consumes the raw queue and produces aligned + recorder jobs.
type Worker struct {
	Queue     *queue.Queue
	Store     *contentstore.Store
	Primary   provider.Provider
	Validator provider.Provider // optional second opinion; may be nil
	Cfg       config.LLMConfig
	Alerts    AlertSink
	Log       logrus.FieldLogger
	WorkerID  string

	schemaJSON []byte
}

// New wires a Worker from its dependencies, caching the marshaled schema
// document the prompt assembler embeds on every call.
func New(q *queue.Queue, store *contentstore.Store, primary, validator provider.Provider, cfg config.LLMConfig, alerts AlertSink, log logrus.FieldLogger) (*Worker, error) {
	if alerts == nil {
		alerts = noopAlertSink{}
	}
	if log == nil {
		log = logrus.New()
	}
	schemaDoc, err := json.Marshal(schema.Build())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal hsds schema")
	}
	return &Worker{
		Queue: q, Store: store, Primary: primary, Validator: validator,
		Cfg: cfg, Alerts: alerts, Log: log, WorkerID: "worker-align",
		schemaJSON: schemaDoc,
	}, nil
}

// quotaBase mirrors config.Default's LLM quota fields, used when a
// caller constructs a Worker with a zero-value Cfg.
func (w *Worker) quotaBase() time.Duration {
	if d := w.Cfg.QuotaRetryDelay.AsDuration(); d > 0 {
		return d
	}
	return time.Hour
}

func (w *Worker) quotaMax() time.Duration {
	if d := w.Cfg.QuotaMaxDelay.AsDuration(); d > 0 {
		return d
	}
	return 4 * time.Hour
}

func (w *Worker) quotaMult() float64 {
	if w.Cfg.QuotaBackoffMult > 1 {
		return w.Cfg.QuotaBackoffMult
	}
	return 1.5
}

const authMaxAttempts = 12
const authDeferInterval = 5 * time.Minute

// ProcessOne reserves and processes a single raw job, returning (false, nil)
// when the queue was empty.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.Queue.Reserve(ctx, types.QueueRaw, w.WorkerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	var raw types.RawJob
	if err := json.Unmarshal(job.Payload, &raw); err != nil {
		_ = w.Queue.Fail(ctx, types.QueueRaw, job.ID, err, queue.RetryPolicy{MaxRetries: 0})
		return true, nil
	}

	w.handle(ctx, job, raw)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *types.Job, raw types.RawJob) {
	log := w.Log.WithField("job_id", job.ID).WithField("scraper_id", raw.Metadata.ScraperID)
	timer := metrics.NewTimer()
	defer timer.RecordJobLatency(types.QueueRaw)

	if raw.Metadata.ContentHash != "" && w.Store != nil {
		if rec, ok := w.Store.Get(ctx, raw.Metadata.ContentHash); ok {
			w.finish(ctx, job, raw, rec.ResultText, true, log)
			return
		}
	}

	_, resultText, err := w.align(ctx, raw, log)
	if err != nil {
		w.fail(ctx, job, raw, err, log)
		return
	}

	w.finish(ctx, job, raw, resultText, false, log)
}

// align runs the provider-call / validate / re-prompt loop (spec.md §4.D
// steps 2-5) and returns the final accepted HSDS JSON text.
func (w *Worker) align(ctx context.Context, raw types.RawJob, log logrus.FieldLogger) (types.HSDSPayload, string, error) {
	minConfidence := w.Cfg.MinConfidence
	if minConfidence == 0 {
		minConfidence = 0.85
	}
	retryThreshold := w.Cfg.RetryThreshold
	if retryThreshold == 0 {
		retryThreshold = 0.5
	}
	maxRetries := w.Cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}

	feedback := ""
	lowConfidenceStreak := 0
	knownFields := knownFieldsSet(raw.KnownFields)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		callTimer := metrics.NewTimer()
		resp, err := w.Primary.Complete(ctx, provider.Request{
			SystemPrompt: w.systemPrompt(),
			UserPrompt:   w.userPrompt(raw, feedback),
			Temperature:  minFloat(float64(w.Cfg.Temperature), 0.4),
			MaxTokens:    w.Cfg.MaxTokens,
		})
		callTimer.RecordProviderLatency(w.Primary.Name())
		if err != nil {
			return types.HSDSPayload{}, "", err
		}

		var payload types.HSDSPayload
		if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &payload); err != nil {
			feedback = "Your previous response was not valid JSON matching the schema. Respond with JSON only."
			continue
		}

		candidate, err := validate.CandidateFromHSDS(payload)
		if err != nil {
			return types.HSDSPayload{}, "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "build validation candidate")
		}
		result := validate.Validate(candidate, knownFields)

		if result.Confidence >= minConfidence {
			payload = w.maybeApplyValidatorLLM(ctx, payload, result, minConfidence, retryThreshold, log)
			text, _ := json.Marshal(payload)
			return payload, string(text), nil
		}

		if result.Confidence < retryThreshold {
			lowConfidenceStreak++
			if lowConfidenceStreak >= 2 {
				return types.HSDSPayload{}, "", apperrors.New(apperrors.ErrorTypeValidation, "confidence below retry threshold twice in a row").
					WithDetailsf("confidence=%.2f feedback=%s", result.Confidence, result.Feedback)
			}
		} else {
			lowConfidenceStreak = 0
		}

		if attempt == maxRetries {
			return types.HSDSPayload{}, "", apperrors.New(apperrors.ErrorTypeValidation, "exceeded max alignment retries").
				WithDetailsf("confidence=%.2f", result.Confidence)
		}
		feedback = result.Feedback
		log.WithField("attempt", attempt+1).WithField("confidence", result.Confidence).Debug("re-prompting with validator feedback")
	}

	return types.HSDSPayload{}, "", apperrors.New(apperrors.ErrorTypeValidation, "alignment loop exhausted")
}

// maybeApplyValidatorLLM runs the optional hallucination check (spec.md
// §4.D step 5) and applies corrections only inside the retry/accept band.
func (w *Worker) maybeApplyValidatorLLM(ctx context.Context, payload types.HSDSPayload, result validate.Result, minConfidence, retryThreshold float64, log logrus.FieldLogger) types.HSDSPayload {
	if w.Validator == nil || !w.Cfg.ValidatorLLM {
		return payload
	}
	if !(result.Confidence >= retryThreshold && result.Confidence < minConfidence) {
		return payload
	}

	candidateJSON, _ := json.Marshal(payload)
	resp, err := w.Validator.Complete(ctx, provider.Request{
		SystemPrompt: "You check HSDS JSON candidates for hallucinated fields and propose corrections.",
		UserPrompt:   fmt.Sprintf("Candidate:\n%s\n\nRespond as JSON: {\"hallucination_detected\":bool,\"mismatched_fields\":[],\"suggested_corrections\":{}}", candidateJSON),
		Temperature:  0.0,
	})
	if err != nil {
		log.WithError(err).Warn("validator-llm check failed; keeping original candidate")
		return payload
	}

	var verdict struct {
		HallucinationDetected bool            `json:"hallucination_detected"`
		SuggestedCorrections  json.RawMessage `json:"suggested_corrections"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &verdict); err != nil {
		return payload
	}
	if !verdict.HallucinationDetected || len(verdict.SuggestedCorrections) == 0 {
		return payload
	}

	var corrected types.HSDSPayload
	if err := json.Unmarshal(verdict.SuggestedCorrections, &corrected); err != nil {
		return payload
	}
	return corrected
}

func (w *Worker) finish(ctx context.Context, job *types.Job, raw types.RawJob, resultText string, cached bool, log logrus.FieldLogger) {
	var payload types.HSDSPayload
	_ = json.Unmarshal([]byte(resultText), &payload)

	if raw.Metadata.ContentHash != "" && w.Store != nil {
		if _, err := w.Store.Put(ctx, raw.Metadata.ContentHash, resultText, job.ID); err != nil {
			log.WithError(err).Error("content store put failed")
		}
	}

	alignedPayload, err := json.Marshal(types.AlignedJob{Metadata: raw.Metadata, HSDS: payload, Cached: cached})
	if err != nil {
		log.WithError(err).Error("marshal aligned job")
		return
	}
	if _, err := w.Queue.Enqueue(ctx, types.QueueAligned, alignedPayload, map[string]string{"scraper_id": raw.Metadata.ScraperID}); err != nil {
		log.WithError(err).Error("enqueue aligned job")
		return
	}

	recorderPayload, _ := json.Marshal(types.RecorderJob{
		JobID: job.ID, Queue: types.QueueRaw, Metadata: raw.Metadata,
		Status: types.JobCompleted, Result: types.JobResult{Text: resultText, Parsed: &payload},
		CreatedAt: time.Now().UTC(),
	})
	if _, err := w.Queue.Enqueue(ctx, types.QueueRecorder, recorderPayload, map[string]string{"scraper_id": raw.Metadata.ScraperID}); err != nil {
		log.WithError(err).Error("enqueue recorder job")
		return
	}

	if err := w.Queue.Complete(ctx, types.QueueRaw, job.ID, types.JobResult{Text: resultText, Parsed: &payload}); err != nil {
		log.WithError(err).Error("complete raw job")
		return
	}
	metrics.RecordJobProcessed(types.QueueRaw, string(types.JobCompleted), cached)
}

// fail applies the per-failure-kind semantics of spec.md §4.D.
func (w *Worker) fail(ctx context.Context, job *types.Job, raw types.RawJob, err error, log logrus.FieldLogger) {
	status := string(types.JobFailed)
	switch {
	case apperrors.Is(err, apperrors.ErrorTypeAuth):
		if job.RetryCount >= authMaxAttempts {
			_ = w.Queue.Fail(ctx, types.QueueRaw, job.ID, err, queue.RetryPolicy{MaxRetries: 0})
			break
		}
		w.Alerts.AuthNeeded(raw.Metadata.ScraperID, err.Error())
		_, _ = w.Queue.DeferWithRetry(ctx, types.QueueRaw, job.ID, time.Now().Add(authDeferInterval))
		status = string(types.JobDeferred)

	case apperrors.Is(err, apperrors.ErrorTypeQuota):
		w.Alerts.QuotaExceeded(raw.Metadata.ScraperID, err.Error())
		delay := w.quotaBase()
		for i := 0; i < job.RetryCount; i++ {
			delay = time.Duration(float64(delay) * w.quotaMult())
			if delay > w.quotaMax() {
				delay = w.quotaMax()
				break
			}
		}
		_, _ = w.Queue.DeferWithRetry(ctx, types.QueueRaw, job.ID, time.Now().Add(delay))
		status = string(types.JobDeferred)

	case apperrors.Is(err, apperrors.ErrorTypeRateLimit), apperrors.Is(err, apperrors.ErrorTypeTransientNetwork):
		_ = w.Queue.Fail(ctx, types.QueueRaw, job.ID, err, queue.DefaultRetryPolicy())

	default: // ValidationError, Permanent, and anything unclassified.
		_ = w.Queue.Fail(ctx, types.QueueRaw, job.ID, err, queue.RetryPolicy{MaxRetries: 0})
	}

	metrics.RecordJobProcessed(types.QueueRaw, status, false)
	log.WithError(err).Warn("alignment job failed")
}

func (w *Worker) systemPrompt() string {
	return "You convert food-assistance program descriptions into HSDS JSON matching the schema below. " +
		"Respond with JSON only, no prose.\n\nSchema:\n" + string(w.schemaJSON)
}

func (w *Worker) userPrompt(raw types.RawJob, feedback string) string {
	var b strings.Builder
	b.WriteString("Source text:\n")
	b.WriteString(raw.Content)
	if raw.KnownFields != nil {
		b.WriteString("\n\nFields known to be present in the source: ")
		b.WriteString(strings.Join(allKnownFields(raw.KnownFields), ", "))
	}
	if feedback != "" {
		b.WriteString("\n\n")
		b.WriteString(feedback)
	}
	return b.String()
}

func knownFieldsSet(kf *types.KnownFields) map[string]bool {
	set := map[string]bool{}
	if kf == nil {
		return set
	}
	for _, f := range allKnownFields(kf) {
		set[f] = true
	}
	return set
}

func allKnownFields(kf *types.KnownFields) []string {
	var all []string
	all = append(all, kf.TopLevel...)
	all = append(all, kf.Organization...)
	all = append(all, kf.Service...)
	all = append(all, kf.Location...)
	all = append(all, kf.Other...)
	return all
}

// extractJSON trims any prose a non-strict provider wraps its JSON in by
// taking the substring between the first '{' and the last '}'.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

func minFloat(a, b float64) float64 {
	if a <= 0 {
		return b
	}
	if a < b {
		return a
	}
	return b
}
