package controllers

import (
	"net/http"
	"net/url"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/gin-gonic/gin"
)

// ConsentRequest is what a consent screen needs to ask the user
type ConsentRequest struct {
	Tenant *models.Tenant
	Client *models.OAuthClient
	User   *models.User
	Scope  []string
	// Action and Params are where the decision is posted, with confirm=allow or confirm=deny added
	Action string
	Params url.Values
}

// ConsentRenderer draws the consent screen; deployments with a UI replace the JSON default
type ConsentRenderer interface {
	RenderConsent(c *gin.Context, req ConsentRequest)
}

type ScopeDescription struct {
	Scope       string `json:"scope"`
	Description string `json:"description"`
}

type ConsentClient struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ConsentScreen is the JSON body the default renderer answers with
type ConsentScreen struct {
	ConsentRequired bool               `json:"consent_required"`
	Client          ConsentClient      `json:"client"`
	User            string             `json:"user"`
	Scopes          []ScopeDescription `json:"scopes"`
	Action          string             `json:"action"`
	Params          map[string]string  `json:"params"`
}

type JSONConsentRenderer struct{}

func (JSONConsentRenderer) RenderConsent(c *gin.Context, req ConsentRequest) {
	scopes := make([]ScopeDescription, 0, len(req.Scope))
	for _, s := range req.Scope {
		scopes = append(scopes, ScopeDescription{Scope: s, Description: models.DescribeScope(s)})
	}
	params := make(map[string]string, len(req.Params))
	for k := range req.Params {
		params[k] = req.Params.Get(k)
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, ConsentScreen{
		ConsentRequired: true,
		Client: ConsentClient{
			ClientID:    req.Client.ClientID,
			Name:        req.Client.Name,
			Description: req.Client.Description,
		},
		User:   req.User.Email,
		Scopes: scopes,
		Action: req.Action,
		Params: params,
	})
}
