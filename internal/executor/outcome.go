package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/simrelay/internal/httpclient"
	"github.com/seantiz/simrelay/internal/model"
)

// FormatOutcome turns one submission outcome into a task record.
//
// A transport error yields a FAILED record whose Traceback carries the error
// text, so that the reconciler can recognize technical failures. A response
// is SUCCESS only when it is 2xx and its status is COMPLETE or WARNING; a
// multi-simulation response that lists children but has no status yet is
// PENDING and keeps an Error explaining why it has not succeeded.
func FormatOutcome(taskID string, input json.RawMessage, resp *httpclient.Response, err error) model.TaskRecord {
	rec := model.TaskRecord{
		ID:        model.NewID(),
		TaskID:    taskID,
		Input:     input,
		State:     model.StateFailed,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case err != nil:
		rec.Error = "simulation request failed"
		rec.Traceback = err.Error()
		rec.Exception = exceptionName(err)
		return rec
	case resp == nil:
		rec.Error = "no response from platform"
		return rec
	}

	rec.Response = responseJSON(resp.Body)
	if !resp.OK() {
		rec.Error = fmt.Sprintf("unexpected response %s", resp.Status)
		return rec
	}

	var result model.SimulationResult
	if jerr := resp.JSON(&result); jerr != nil {
		rec.Error = "malformed simulation response"
		rec.Exception = exceptionName(jerr)
		return rec
	}

	status := model.NormalizeSimStatus(result.Status)
	switch {
	case model.IsSimSuccess(status):
		rec.State = model.StateSuccess
		rec.Success = true
	case status == "" && len(result.Children) > 0:
		rec.State = model.StatePending
		rec.Error = "simulation has no status yet"
	default:
		rec.Error = fmt.Sprintf("simulation status %q", status)
	}
	return rec
}

// responseJSON keeps a JSON body as is and stores any other body as a JSON string.
func responseJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}

// exceptionName is the type of the innermost wrapped error.
func exceptionName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
