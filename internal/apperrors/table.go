package apperrors

import "net/http"

type knownError struct {
	kind        Kind
	severity    string
	title       string
	description string
	remediation string
	terminal    bool
	httpStatus  int
}

const correlationPlaceholder = "{{correlationId}}"

var knownErrors = map[string]knownError{
	CodeAuthInvalidServiceKey: {
		kind:        KindCredential,
		severity:    "warning",
		title:       "Service key rejected",
		description: "The backend project did not accept the supplied service key. Reference " + correlationPlaceholder + ".",
		remediation: "Rotate the service role key in the project dashboard (Settings > API), paste the new key and verify again.",
		httpStatus:  http.StatusUnprocessableEntity,
	},
	CodeAuthForbidden: {
		kind:        KindCredential,
		severity:    "warning",
		title:       "Service key lacks permissions",
		description: "The service key was recognised but is not allowed to read the project. Reference " + correlationPlaceholder + ".",
		remediation: "Use the service role key rather than the anon key, or grant read access to the REST schema.",
		httpStatus:  http.StatusUnprocessableEntity,
	},
	CodeConnectionFormInvalid: {
		kind:        KindValidation,
		severity:    "warning",
		title:       "Connection details are incomplete",
		description: "The connection form is missing a required field or contains an invalid URL. Reference " + correlationPlaceholder + ".",
		remediation: "Provide the project URL (https://<ref>.supabase.co) and a non-empty service key.",
		terminal:    true,
		httpStatus:  http.StatusBadRequest,
	},
	CodeInvalidPayload: {
		kind:        KindValidation,
		severity:    "warning",
		title:       "Request could not be read",
		description: "The request body is not a single valid JSON object. Reference " + correlationPlaceholder + ".",
		remediation: "Check the request body against the API contract and resend it.",
		terminal:    true,
		httpStatus:  http.StatusBadRequest,
	},
	CodeConnectionNotFound: {
		kind:        KindNotFound,
		severity:    "warning",
		title:       "Connection not found",
		description: "No service connection with that id exists for this team. Reference " + correlationPlaceholder + ".",
		remediation: "Refresh the connections list; the connection may have been removed.",
		terminal:    true,
		httpStatus:  http.StatusNotFound,
	},
	CodeConnectionNotVerified: {
		kind:        KindCredential,
		severity:    "warning",
		title:       "Connection failed verification",
		description: "The connection could not be activated because its credentials did not verify. Reference " + correlationPlaceholder + ".",
		remediation: "Run the verification again and fix the reported problem before activating.",
		httpStatus:  http.StatusUnprocessableEntity,
	},
	CodeIncidentNotFound: {
		kind:        KindNotFound,
		severity:    "warning",
		title:       "Incident not found",
		description: "No incident with that id exists for this team. Reference " + correlationPlaceholder + ".",
		remediation: "Refresh the incidents list; the incident may belong to another team.",
		terminal:    true,
		httpStatus:  http.StatusNotFound,
	},
	CodeNetworkTimeout: {
		kind:        KindConnectivity,
		severity:    "error",
		title:       "Backend did not respond in time",
		description: "The probe to the backend project timed out. Reference " + correlationPlaceholder + ".",
		remediation: "Check the project status page and that the project is not paused, then retry.",
		httpStatus:  http.StatusGatewayTimeout,
	},
	CodeNetworkError: {
		kind:        KindConnectivity,
		severity:    "error",
		title:       "Backend is unreachable",
		description: "The backend project could not be reached over the network. Reference " + correlationPlaceholder + ".",
		remediation: "Confirm the project URL resolves and that outbound traffic to it is allowed, then retry.",
		httpStatus:  http.StatusBadGateway,
	},
	CodeUpstreamHTTP: {
		kind:        KindConnectivity,
		severity:    "error",
		title:       "Backend returned an error",
		description: "The backend project answered with a non-success status. Reference " + correlationPlaceholder + ".",
		remediation: "Check the project logs for the failing request and retry once the project is healthy.",
		httpStatus:  http.StatusBadGateway,
	},
	CodeRepositoryWriteFailed: {
		kind:        KindInternal,
		severity:    "critical",
		title:       "Health data could not be saved",
		description: "The heartbeat ran but its results could not be stored. Reference " + correlationPlaceholder + ".",
		remediation: "Retry in a few minutes. If it keeps failing, contact support with the reference above.",
		httpStatus:  http.StatusInternalServerError,
	},
	CodeRepositoryUnavailable: {
		kind:        KindInternal,
		severity:    "critical",
		title:       "Something went wrong on our side",
		description: "The request could not be completed because storage is unavailable. Reference " + correlationPlaceholder + ".",
		remediation: "Retry in a few minutes. If it keeps failing, contact support with the reference above.",
		httpStatus:  http.StatusServiceUnavailable,
	},
	CodeHeartbeatUnauthorized: {
		kind:        KindCredential,
		severity:    "warning",
		title:       "Not authorized",
		description: "The heartbeat trigger requires a valid shared secret. Reference " + correlationPlaceholder + ".",
		remediation: "Send the configured secret as a bearer token in the Authorization header.",
		terminal:    true,
		httpStatus:  http.StatusUnauthorized,
	},
	CodeConfigurationIncomplete: {
		kind:        KindValidation,
		severity:    "critical",
		title:       "Configuration is incomplete",
		description: "A required setting is missing, so the operation cannot run. Reference " + correlationPlaceholder + ".",
		remediation: "Set the missing configuration value and restart the service.",
		terminal:    true,
		httpStatus:  http.StatusInternalServerError,
	},
}

// HTTPStatus maps a taxonomy code to the status used by the HTTP API.
func HTTPStatus(code string) int {
	if entry, ok := knownErrors[code]; ok && entry.httpStatus != 0 {
		return entry.httpStatus
	}
	return http.StatusInternalServerError
}
