package rtmtest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rtmkit/rtm-go/protocol"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status, code int, msg string) {
	respondJSON(w, status, protocol.APIError{Code: code, Error: msg})
}

func (s *Server) requireApp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(protocol.HeaderAppID) != s.AppID || r.Header.Get(protocol.HeaderAppKey) != s.AppKey {
			respondError(w, http.StatusUnauthorized, protocol.CodeInvalidLogin, "unauthorized app")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GET /1.2/rtm/notifications?client_id=&start_ts=&type=
func (s *Server) serveNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		respondError(w, http.StatusBadRequest, http.StatusBadRequest, "client_id is required")
		return
	}
	var since int64
	if v := q.Get("start_ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid start_ts")
			return
		}
		since = ts
	}
	channels := []string{protocol.ChannelPermanent, protocol.ChannelDroppable}
	switch t := q.Get("type"); t {
	case "":
	case protocol.ChannelPermanent, protocol.ChannelDroppable:
		channels = []string{t}
	default:
		respondError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid type")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.tokens[r.Header.Get(protocol.HeaderSessionToken)]
	if info == nil || info.revoked || info.clientID != clientID {
		respondError(w, http.StatusUnauthorized, protocol.CodeSessionTokenExpired, "invalid session token")
		return
	}

	box := s.inboxes[clientID]
	if box == nil {
		box = &inbox{}
	}
	resp := make(map[string]protocol.NotificationBatch, len(channels))
	for _, ch := range channels {
		list := box.permanent
		if ch == protocol.ChannelDroppable {
			list = box.droppable
		}
		page, more := s.pageAfter(list, since)
		batch := protocol.NotificationBatch{Notifications: page, HasMore: &more}
		if ch == protocol.ChannelDroppable {
			invalid := box.droppedThrough > since
			batch.InvalidLocalConvCache = &invalid
		}
		resp[ch] = batch
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) pageAfter(list []protocol.Notification, since int64) ([]protocol.Notification, bool) {
	page := []protocol.Notification{}
	for i, n := range list {
		if n.Timestamp <= since {
			continue
		}
		if len(page) == s.pageSize {
			return page, true
		}
		page = append(page, list[i])
	}
	return page, false
}

// POST /1.1/installations
func (s *Server) serveInstallation(w http.ResponseWriter, r *http.Request) {
	var inst protocol.Installation
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		respondError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid body")
		return
	}
	if inst.InstallationID == "" || inst.DeviceType == "" {
		respondError(w, http.StatusBadRequest, http.StatusBadRequest, "installationId and deviceType are required")
		return
	}

	s.mu.Lock()
	now := time.Now().UnixMilli()
	existing := s.installations[inst.InstallationID]
	if existing == nil {
		inst.ObjectID = uuid.NewString()
		inst.CreatedAt = now
	} else {
		inst.ObjectID = existing.ObjectID
		inst.CreatedAt = existing.CreatedAt
	}
	inst.UpdatedAt = now
	saved := inst
	s.installations[inst.InstallationID] = &saved
	s.mu.Unlock()

	status := http.StatusOK
	if existing == nil {
		status = http.StatusCreated
	}
	respondJSON(w, status, inst)
}

// Installation returns the stored installation with the given id.
func (s *Server) Installation(id string) (protocol.Installation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.installations[id]
	if inst == nil {
		return protocol.Installation{}, false
	}
	return *inst, true
}
