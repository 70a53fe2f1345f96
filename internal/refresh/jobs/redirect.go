package jobs

import (
	"net/url"
	"strconv"
)

// RedirectLocation builds the URL the triggering caller is sent to once the
// job is terminal. Completed jobs carry a success indicator and, when there
// are warnings, their count. Failed jobs carry an encoded error message.
// The full warning list stays in the persisted result.
func (r Result) RedirectLocation(status JobStatus) string {
	u, err := url.Parse(r.RedirectURL)
	if err != nil || r.RedirectURL == "" {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	switch status {
	case JobStatusCompleted:
		q.Set("refreshed", "1")
		if n := len(r.Warnings); n > 0 {
			q.Set("warnings", strconv.Itoa(n))
		}
	case JobStatusFailed:
		msg := r.Error
		if msg == "" {
			msg = strconv.Itoa(len(r.Warnings)) + " steps failed"
		}
		q.Set("error", msg)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
