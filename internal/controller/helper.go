package controller

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/sharetube/syncwatch/pkg/rest"
)

const defaultClientName = "Anonymous"

func (c controller) generateTimeBasedId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

type clientQuery struct {
	ClientName string `json:"clientName" validate:"max=64"`
}

// getClientName writes a 400 and returns false when the name is invalid.
func (c controller) getClientName(w http.ResponseWriter, r *http.Request) (string, bool) {
	query := clientQuery{ClientName: r.URL.Query().Get("clientName")}
	if validationErrors, ok := c.validate.Validate(query); !ok {
		c.logger.InfoContext(r.Context(), "invalid client name", "errors", validationErrors)
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return "", false
	}

	if query.ClientName == "" {
		return defaultClientName, true
	}

	return query.ClientName, true
}

func (c controller) writeError(w http.ResponseWriter, status int, message string) {
	rest.WriteJSON(w, status, rest.Envelope{"error": message})
}
