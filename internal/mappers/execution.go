package mappers

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/solvia/executor/internal/repository/dto"
	"github.com/solvia/executor/internal/repository/models"
)

// PayloadStore is the part of the object storage the mappers need.
type PayloadStore interface {
	GetPayload(ctx context.Context, key string) ([]byte, error)
	GetPayloads(ctx context.Context, keys []string) ([][]byte, error)
}

// JobToRequest resolves a queue job into a runner request, fetching
// source and inputs from storage when the job references keys.
func JobToRequest(ctx context.Context, store PayloadStore, job *models.ExecutionJob) (*dto.ExecutionRequest, error) {
	req := &dto.ExecutionRequest{
		Language: job.Language,
		Source:   job.Source,
		Inputs:   job.Inputs,
		Limits:   jobLimits(job),
	}
	if job.SourceKey != "" {
		data, err := store.GetPayload(ctx, job.SourceKey)
		if err != nil {
			return nil, errors.Wrap(err, "fetch source")
		}
		req.Source = string(data)
	}
	if len(job.InputKeys) > 0 {
		payloads, err := store.GetPayloads(ctx, job.InputKeys)
		if err != nil {
			return nil, errors.Wrap(err, "fetch inputs")
		}
		req.Inputs = make([]string, len(payloads))
		for i, p := range payloads {
			req.Inputs[i] = string(p)
		}
	}
	return req, nil
}

func jobLimits(job *models.ExecutionJob) dto.ResourceLimits {
	l := dto.DefaultLimits()
	if job.TimeLimitMS > 0 {
		l.TimeLimit = time.Duration(job.TimeLimitMS) * time.Millisecond
	}
	if job.OverallTimeLimitMS > 0 {
		l.OverallTimeLimit = time.Duration(job.OverallTimeLimitMS) * time.Millisecond
	}
	if job.MemoryLimitKB > 0 {
		l.MemoryLimit = job.MemoryLimitKB
	}
	if job.MaxInputSizeKB > 0 {
		l.MaxInputSize = job.MaxInputSizeKB
	}
	if job.MaxOutputSizeKB > 0 {
		l.MaxOutputSize = job.MaxOutputSizeKB
	}
	return l
}

// ResultsToReport folds per-input results into the wire report. The
// aggregate status is SUCCESS only when every run succeeded, otherwise
// the status of the first failed run.
func ResultsToReport(jobId string, results []dto.ExecutionResult) *models.ExecutionReport {
	rep := &models.ExecutionReport{
		Id:      jobId,
		Status:  string(dto.StatusSuccess),
		Results: make([]models.RunReport, 0, len(results)),
	}
	for i := range results {
		res := &results[i]
		if rep.Status == string(dto.StatusSuccess) && res.Status != dto.StatusSuccess {
			rep.Status = string(res.Status)
		}
		rep.Results = append(rep.Results, runReport(res))
	}
	return rep
}

// FailureReport answers a job that was rejected before anything ran.
func FailureReport(jobId string, err error) *models.ExecutionReport {
	return &models.ExecutionReport{
		Id:      jobId,
		Status:  string(dto.StatusInternalError),
		Error:   err.Error(),
		Results: []models.RunReport{},
	}
}

func runReport(res *dto.ExecutionResult) models.RunReport {
	r := models.RunReport{
		Command:         res.Command,
		Status:          string(res.Status),
		ReturnCode:      res.ReturnCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
		CompileTimeMS:   res.CompileTime.Milliseconds(),
		ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
		ErrorInfo:       res.ErrorInfo,
	}
	if res.TimeResult != nil {
		r.Metrics = runMetrics(res.TimeResult)
	}
	return r
}

func runMetrics(t *dto.TimeResult) *models.RunMetrics {
	return &models.RunMetrics{
		Command:                 t.Command,
		ElapsedTime:             t.ElapsedTime,
		UserCPUTime:             t.UserCPUTime,
		SystemCPUTime:           t.SystemCPUTime,
		CPUPercentage:           t.CPUPercentage,
		AvgTotalMem:             t.AvgTotalMem,
		AvgSharedMem:            t.AvgSharedMem,
		AvgUnsharedData:         t.AvgUnsharedData,
		AvgUnsharedStack:        t.AvgUnsharedStack,
		PageReclaims:            t.PageReclaims,
		PageFaults:              t.PageFaults,
		Swaps:                   t.Swaps,
		BlockInputOps:           t.BlockInputOps,
		BlockOutputOps:          t.BlockOutputOps,
		IPCMsgsSent:             t.IPCMsgsSent,
		IPCMsgsReceived:         t.IPCMsgsReceived,
		SignalsReceived:         t.SignalsReceived,
		VoluntaryCtxtSwitches:   t.VoluntaryCtxtSwitches,
		InvoluntaryCtxtSwitches: t.InvoluntaryCtxtSwitches,
		MaxResidentSetSize:      t.MaxResidentSetSize,
		ExitStatus:              t.ExitStatus,
	}
}
