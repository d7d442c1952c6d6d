package apis

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/events"
	"github.com/alwitt/livesync/mirror"
	"github.com/alwitt/livesync/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestMirrorHandler REST handler for the resource mirror
type APIRestMirrorHandler struct {
	goutils.RestAPIHandler
	core     mirror.Mirror
	registry registry.Registry
	validate *validator.Validate
}

// GetAPIRestMirrorHandler define APIRestMirrorHandler
func GetAPIRestMirrorHandler(
	core mirror.Mirror,
	reg registry.Registry,
	httpConfig *common.HTTPConfig,
) (APIRestMirrorHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "mirror",
	}
	return APIRestMirrorHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		}, core: core, registry: reg, validate: validator.New(),
	}, nil
}

// Write logging support
func (h APIRestMirrorHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Mirrored resource queries

// -----------------------------------------------------------------------

// APIRestRespMirroredResources response for listing the mirrored resources
type APIRestRespMirroredResources struct {
	goutils.RestAPIBaseResponse
	// Resources the names of the mirrored resources
	Resources []string `json:"resources"`
}

// ListResources godoc
// @Summary List mirrored resources
// @Description List the names of the resources this mirror keeps local copies of
// @tags Mirror
// @Produce json
// @Param Livesync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespMirroredResources "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livesync-Request-ID "Request ID to match against logs"
// @Router /v1/mirror [get]
func (h APIRestMirrorHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespMirroredResources{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Resources: h.core.Resources(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListResourcesHandler Wrapper around ListResources
func (h APIRestMirrorHandler) ListResourcesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListResources(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespResourceSnapshot response for fetching a resource snapshot
type APIRestRespResourceSnapshot struct {
	goutils.RestAPIBaseResponse
	// Resource the resource name
	Resource string `json:"resource"`
	// Rows the current rows of the resource
	Rows []events.Row `json:"rows"`
}

// GetSnapshot godoc
// @Summary Fetch a resource snapshot
// @Description Fetch the current rows of one mirrored resource
// @tags Mirror
// @Produce json
// @Param Livesync-Request-ID header string false "User provided request ID to match against logs"
// @Param resourceName path string true "Mirrored resource name"
// @Success 200 {object} APIRestRespResourceSnapshot "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livesync-Request-ID "Request ID to match against logs"
// @Router /v1/mirror/{resourceName} [get]
func (h APIRestMirrorHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	resourceName, ok := vars["resourceName"]
	if !ok {
		msg := "No resource name provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	rows, err := h.core.Snapshot(r.Context(), resourceName)
	if err != nil {
		msg := "Unable to fetch resource snapshot"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespResourceSnapshot{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Resource: resourceName, Rows: rows,
	}
}

// GetSnapshotHandler Wrapper around GetSnapshot
func (h APIRestMirrorHandler) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSnapshot(w, r)
	}
}

// =======================================================================
// Session and subscription queries

// -----------------------------------------------------------------------

// APIRestRespSessionStats response for querying the sync session
type APIRestRespSessionStats struct {
	goutils.RestAPIBaseResponse
	// State the connection state
	State string `json:"state" validate:"required"`
	// ReconnectAttempts reconnect attempts made in the current outage
	ReconnectAttempts int `json:"reconnect_attempts"`
	// ActiveChannels the number of open transport channels
	ActiveChannels int `json:"active_channels"`
	// ActiveSubscriptions the number of attached consumer subscriptions
	ActiveSubscriptions int `json:"active_subscriptions"`
	// DroppedMessages messages dropped as malformed since start
	DroppedMessages int64 `json:"dropped_messages"`
	// LastHeartbeat timestamp of the last transport heartbeat
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// GetSession godoc
// @Summary Query the sync session
// @Description Query connection state and counters of the sync session
// @tags Session
// @Produce json
// @Param Livesync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSessionStats "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livesync-Request-ID "Request ID to match against logs"
// @Router /v1/session [get]
func (h APIRestMirrorHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.registry.GetStats(r.Context())
	if err != nil {
		msg := "Unable to query session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessionStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		State:               string(stats.State),
		ReconnectAttempts:   stats.ReconnectAttempts,
		ActiveChannels:      stats.ActiveChannels,
		ActiveSubscriptions: stats.ActiveSubscriptions,
		DroppedMessages:     stats.DroppedMessages,
		LastHeartbeat:       stats.LastHeartbeat,
	}
}

// GetSessionHandler Wrapper around GetSession
func (h APIRestMirrorHandler) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSession(w, r)
	}
}

// -----------------------------------------------------------------------

// ForceReconnect godoc
// @Summary Force a reconnect
// @Description Clear a terminal disconnect and restart transport reconnection
// @tags Session
// @Produce json
// @Param Livesync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livesync-Request-ID "Request ID to match against logs"
// @Router /v1/session/reconnect [post]
func (h APIRestMirrorHandler) ForceReconnect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.registry.ForceReconnect(r.Context()); err != nil {
		msg := "Unable to force reconnect"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ForceReconnectHandler Wrapper around ForceReconnect
func (h APIRestMirrorHandler) ForceReconnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ForceReconnect(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespSubscriptionInfo adhoc structure for presenting registry.SubscriptionInfo
type APIRestRespSubscriptionInfo struct {
	// ID the subscription ID
	ID string `json:"id" validate:"required"`
	// Resource the subscribed resource name
	Resource string `json:"resource" validate:"required"`
	// Topic the transport topic the subscription shares
	Topic string `json:"topic" validate:"required"`
	// EstablishedAt when the subscription attached
	EstablishedAt time.Time `json:"established_at" validate:"required"`
}

// APIRestRespSubscriptions response for listing active subscriptions
type APIRestRespSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions the active subscriptions
	Subscriptions []APIRestRespSubscriptionInfo `json:"subscriptions"`
}

// GetSubscriptions godoc
// @Summary List active subscriptions
// @Description List the consumer subscriptions attached to the sync session
// @tags Session
// @Produce json
// @Param Livesync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscriptions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livesync-Request-ID "Request ID to match against logs"
// @Router /v1/subscription [get]
func (h APIRestMirrorHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscriptions, err := h.registry.ActiveSubscriptions(r.Context())
	if err != nil {
		msg := "Unable to list subscriptions"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	converted := make([]APIRestRespSubscriptionInfo, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		converted = append(converted, APIRestRespSubscriptionInfo{
			ID:            subscription.ID,
			Resource:      subscription.Resource,
			Topic:         subscription.Topic,
			EstablishedAt: subscription.EstablishedAt,
		})
	}
	respCode = http.StatusOK
	respBody = APIRestRespSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Subscriptions: converted,
	}
}

// GetSubscriptionsHandler Wrapper around GetSubscriptions
func (h APIRestMirrorHandler) GetSubscriptionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscriptions(w, r)
	}
}

// =======================================================================
// Presence and broadcast

// filterFromQuery read row filter terms from request query params
func filterFromQuery(r *http.Request) map[string]string {
	values := r.URL.Query()
	if len(values) == 0 {
		return nil
	}
	filter := make(map[string]string, len(values))
	for field, terms := range values {
		if len(terms) > 0 {
			filter[field] = terms[0]
		}
	}
	return filter
}

// -----------------------------------------------------------------------

// APIRestRespPresence response for querying presence on a resource
type APIRestRespPresence struct {
	goutils.RestAPIBaseResponse
	// Resource the resource name
	Resource string `json:"resource"`
	// Participants the presence state keyed by participant ID
	Participants events.PresenceState `json:"participants"`
}

// GetPresence godoc
// @Summary Query presence on a resource
// @Description Query the merged presence state of a resource channel. Filter
// terms are passed as query parameters.
// @tags Presence
// @Produce json
// @Param Livesync-Request-ID header string false "User provided request ID to match against logs"
// @Param resourceName path string true "Resource name"
// @Success 200 {object} APIRestRespPresence "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livesync-Request-ID "Request ID to match against logs"
// @Router /v1/presence/{resourceName} [get]
func (h APIRestMirrorHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	resourceName, ok := vars["resourceName"]
	if !ok {
		msg := "No resource name provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	presence, err := h.registry.PresenceSnapshot(r.Context(), resourceName, filterFromQuery(r))
	if err != nil {
		msg := "Unable to query presence"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPresence{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Resource: resourceName, Participants: presence,
	}
}

// GetPresenceHandler Wrapper around GetPresence
func (h APIRestMirrorHandler) GetPresenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetPresence(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqBroadcast request body for broadcasting on a resource
type APIRestReqBroadcast struct {
	// Event the application event name
	Event string `json:"event" validate:"required"`
	// Payload the opaque message body
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Broadcast godoc
// @Summary Broadcast on a resource
// @Description Send a fire-and-forget message to all consumers of a resource
// channel. Filter terms are passed as query parameters.
// @tags Broadcast
// @Accept json
// @Produce json
// @Param Livesync-Request-ID header string false "User provided request ID to match against logs"
// @Param resourceName path string true "Resource name"
// @Param message body APIRestReqBroadcast true "Broadcast message"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livesync-Request-ID "Request ID to match against logs"
// @Router /v1/broadcast/{resourceName} [post]
func (h APIRestMirrorHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	resourceName, ok := vars["resourceName"]
	if !ok {
		msg := "No resource name provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var params APIRestReqBroadcast
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid broadcast parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.registry.Broadcast(
		r.Context(), resourceName, filterFromQuery(r), params.Event, params.Payload,
	); err != nil {
		msg := "Unable to broadcast"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestMirrorHandler) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For mirror REST API liveness check
// @Description Will return success to indicate mirror REST API module is live
// @tags Mirror
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestMirrorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestMirrorHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For mirror REST API readiness check
// @Description Will return success if the sync session is connected
// @tags Mirror
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestMirrorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if state := h.registry.State(); state != registry.Connected {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, string(state),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestMirrorHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
