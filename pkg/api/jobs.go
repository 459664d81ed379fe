package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/normalize"
)

// SubmitResponse is returned by POST /jobs. The job may already be terminal
// when admission rejected it.
type SubmitResponse struct {
	JobID  string             `json:"job_id"`
	State  contracts.JobState `json:"state"`
	Error  string             `json:"error,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req normalize.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "Request body exceeds the configured limit")
			return
		}
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ClientID == "" {
		req.ClientID = id.ClientID
	}
	if !id.CanActFor(req.ClientID) {
		WriteForbidden(w, "client_id does not match the authenticated client")
		return
	}

	spec, err := s.norm.Normalize(req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), spec)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	v := job.View()
	writeJSON(w, http.StatusCreated, SubmitResponse{JobID: job.JobID, State: v.State, Error: v.Error, Reason: v.Reason})
}

// ownedJob loads a job the caller may see. Jobs of other clients are
// reported as not found.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*contracts.Job, bool) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return nil, false
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return nil, false
	}
	if !id.CanActFor(job.ClientID) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "job "+job.JobID+": "+contracts.ErrNotFound.Error())
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	cancelled, err := s.jobs.Cancel(r.Context(), job.JobID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled.View())
}
