package v0

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
	"github.com/intelboard/intelboard/internal/refresh/service"
)

// JobTypesBody lists the registered job types.
type JobTypesBody struct {
	JobTypes []pipeline.TypeInfo `json:"jobTypes"`
}

// JobBody is a job with its derived progress.
type JobBody struct {
	Job      *jobs.Job `json:"job"`
	Progress int       `json:"progress" doc:"Percent of steps finished"`
}

// JobListBody is a list of jobs.
type JobListBody struct {
	Jobs  []JobBody `json:"jobs"`
	Count int       `json:"count"`
}

// JobIDInput identifies a job by path.
type JobIDInput struct {
	JobID string `path:"jobId" doc:"Job identifier"`
}

// ActiveJobsInput scopes the active job list.
type ActiveJobsInput struct {
	OrganizationID string `path:"organizationId" doc:"Organization identifier"`
	LocationID     string `query:"locationId" doc:"Only jobs for this location"`
	JobType        string `query:"jobType" doc:"Only jobs of this type"`
}

// RecentJobsInput scopes the recent job list.
type RecentJobsInput struct {
	OrganizationID string `path:"organizationId" doc:"Organization identifier"`
	LocationID     string `query:"locationId" doc:"Only jobs for this location"`
	JobType        string `query:"jobType" doc:"Only jobs of this type"`
	Within         string `query:"within" doc:"Trailing window, e.g. 1h or 30m" example:"24h"`
}

// StartJobInput is the body of a non-streaming start.
type StartJobInput struct {
	Body service.StartRequest
}

// StartedBody is returned when a job is accepted.
type StartedBody struct {
	JobID       jobs.JobID      `json:"jobId"`
	JobType     string          `json:"jobType"`
	Steps       []jobs.StepSpec `json:"steps"`
	RedirectURL string          `json:"redirectUrl"`
}

// RedirectOutput sends the caller to the job's post-run location.
type RedirectOutput struct {
	Status   int
	Location string `header:"Location"`
}

func jobBody(job *jobs.Job) JobBody {
	return JobBody{Job: job, Progress: job.Progress()}
}

func jobList(list []*jobs.Job) JobListBody {
	out := JobListBody{Jobs: make([]JobBody, 0, len(list)), Count: len(list)}
	for _, j := range list {
		out.Jobs = append(out.Jobs, jobBody(j))
	}
	return out
}

// RegisterJobsEndpoints registers the job query and start endpoints.
func RegisterJobsEndpoints(api huma.API, pathPrefix string, svc *service.Service) {
	suffix := operationSuffix(pathPrefix)

	huma.Register(api, huma.Operation{
		OperationID: "list-job-types" + suffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/job-types",
		Summary:     "List job types",
		Description: "List every job type with its ordered steps.",
		Tags:        []string{"jobs"},
	}, func(_ context.Context, _ *struct{}) (*Response[JobTypesBody], error) {
		return &Response[JobTypesBody]{Body: JobTypesBody{JobTypes: svc.JobTypes()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job" + suffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/jobs/{jobId}",
		Summary:     "Get job",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *JobIDInput) (*Response[JobBody], error) {
		job, err := svc.Get(ctx, jobs.JobID(input.JobID))
		if err != nil {
			return nil, toHumaError(err)
		}
		return &Response[JobBody]{Body: jobBody(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "get-job-redirect" + suffix,
		Method:        http.MethodGet,
		Path:          pathPrefix + "/jobs/{jobId}/redirect",
		Summary:       "Redirect to the job's result page",
		Description:   "Finished jobs redirect with a success indicator and warning count, or an encoded error. Running jobs return 409.",
		Tags:          []string{"jobs"},
		DefaultStatus: http.StatusSeeOther,
	}, func(ctx context.Context, input *JobIDInput) (*RedirectOutput, error) {
		job, err := svc.Get(ctx, jobs.JobID(input.JobID))
		if err != nil {
			return nil, toHumaError(err)
		}
		if !job.IsTerminal() || job.Result == nil {
			return nil, huma.Error409Conflict("job is still running")
		}
		return &RedirectOutput{
			Status:   http.StatusSeeOther,
			Location: job.Result.RedirectLocation(job.Status),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-active-jobs" + suffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/organizations/{organizationId}/jobs/active",
		Summary:     "List running jobs",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *ActiveJobsInput) (*Response[JobListBody], error) {
		list, err := svc.ListActive(ctx, jobs.ListFilter{
			OrganizationID: input.OrganizationID,
			LocationID:     input.LocationID,
			Type:           input.JobType,
		})
		if err != nil {
			return nil, toHumaError(err)
		}
		return &Response[JobListBody]{Body: jobList(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recent-jobs" + suffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/organizations/{organizationId}/jobs/recent",
		Summary:     "List recently updated jobs",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *RecentJobsInput) (*Response[JobListBody], error) {
		var within time.Duration
		if input.Within != "" {
			d, err := time.ParseDuration(input.Within)
			if err != nil || d <= 0 {
				return nil, huma.Error400BadRequest("within must be a positive duration such as 1h")
			}
			within = d
		}
		list, err := svc.ListRecent(ctx, jobs.ListFilter{
			OrganizationID: input.OrganizationID,
			LocationID:     input.LocationID,
			Type:           input.JobType,
		}, within)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &Response[JobListBody]{Body: jobList(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-job" + suffix,
		Method:        http.MethodPost,
		Path:          pathPrefix + "/jobs",
		Summary:       "Start a job",
		Description:   "Start a job in the background. Follow it with GET /jobs/{jobId}/stream.",
		Tags:          []string{"jobs"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *StartJobInput) (*Response[StartedBody], error) {
		started, err := svc.Start(ctx, input.Body)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &Response[StartedBody]{Body: StartedBody{
			JobID:       started.Job.ID,
			JobType:     started.Job.Type,
			Steps:       specsOf(started.Job),
			RedirectURL: started.RedirectURL,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-job" + suffix,
		Method:        http.MethodPost,
		Path:          pathPrefix + "/jobs/{jobId}/cancel",
		Summary:       "Cancel a running job",
		Tags:          []string{"jobs"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *JobIDInput) (*Response[EmptyResponse], error) {
		if err := svc.Cancel(ctx, jobs.JobID(input.JobID)); err != nil {
			return nil, toHumaError(err)
		}
		return &Response[EmptyResponse]{Body: EmptyResponse{Message: "cancellation requested"}}, nil
	})
}

func specsOf(job *jobs.Job) []jobs.StepSpec {
	specs := make([]jobs.StepSpec, len(job.Steps))
	for i, s := range job.Steps {
		specs[i] = jobs.StepSpec{Name: s.Name, Label: s.Label}
	}
	return specs
}
