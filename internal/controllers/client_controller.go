package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/middleware"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AdminScope grants access to the tenant administration endpoints
const AdminScope = "sso:admin"

type ClientController struct {
	clientService    services.ClientService
	provisionService services.ProvisionService
}

func NewClientController(clientService services.ClientService, provisionService services.ProvisionService) *ClientController {
	return &ClientController{clientService: clientService, provisionService: provisionService}
}

type CreateClientRequest struct {
	ClientID                string   `json:"client_id"`
	Name                    string   `json:"name" binding:"required"`
	Description             string   `json:"description"`
	GrantTypes              []string `json:"grant_types" binding:"required,min=1"`
	ResponseTypes           []string `json:"response_types"`
	RedirectURIs            []string `json:"redirect_uris" binding:"dive,url"`
	Scopes                  []string `json:"scopes"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RequirePKCE             bool     `json:"require_pkce"`
	AllowPlainPKCE          bool     `json:"allow_plain_pkce"`
	RequireNonce            bool     `json:"require_nonce"`
}

// CreateClient godoc
// @Summary Register an OAuth2 client
// @Description Register a client in the tenant. The generated secret is only returned once.
// @Tags Admin
// @Accept json
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param client body CreateClientRequest true "Client details"
// @Success 201 {object} map[string]interface{} "Client created with client_id and client_secret"
// @Failure 400 {object} models.APIError "Invalid request"
// @Failure 409 {object} models.APIError "Client id taken"
// @Security BearerAuth
// @Router /tenant/{tenant_id}/clients [post]
func (cc *ClientController) CreateClient(c *gin.Context) {
	var req CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrValidationFailed, err.Error()))
		return
	}

	tenant := middleware.GetTenant(c)
	client, secret, err := cc.provisionService.CreateClient(c.Request.Context(), tenant.ID, services.ClientSpec{
		ClientID:                req.ClientID,
		Name:                    req.Name,
		Description:             req.Description,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		RedirectURIs:            req.RedirectURIs,
		Scopes:                  req.Scopes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RequirePKCE:             req.RequirePKCE,
		AllowPlainPKCE:          req.AllowPlainPKCE,
		RequireNonce:            req.RequireNonce,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAlreadyExists):
			c.JSON(http.StatusConflict, models.NewAPIError(models.ErrConflict, err.Error()))
		case errors.Is(err, services.ErrInvalidSpec):
			c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrBadRequest, err.Error()))
		default:
			log.WithError(err).WithField("tenant_id", tenant.ID).Error("Client registration failed")
			c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "client_registration_failed"))
		}
		return
	}

	body := gin.H{
		"client_id":                  client.ClientID,
		"name":                       client.Name,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"redirect_uris":              client.RedirectURIs,
		"scopes":                     client.Scopes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
	}
	if secret != "" {
		body["client_secret"] = secret // Return plain secret only once
	}
	c.JSON(http.StatusCreated, body)
}

type ListClientsQuery struct {
	Page int `form:"page,default=1" binding:"min=1"`
	Size int `form:"size,default=50" binding:"min=1"`
}

// ClientPage is one page of a tenant's clients
type ClientPage struct {
	Count   int64                `json:"count"`
	Results []models.OAuthClient `json:"results"`
}

// ListClients godoc
// @Summary List OAuth2 clients
// @Description Get one page of the OAuth2 clients registered in the tenant, newest first
// @Tags Admin
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param page query int false "Page number, starting at 1"
// @Param size query int false "Page size"
// @Success 200 {object} ClientPage "Total count and the requested page"
// @Failure 400 {object} models.APIError "Invalid paging parameters"
// @Failure 500 {object} models.APIError "Failed to retrieve clients"
// @Security BearerAuth
// @Router /tenant/{tenant_id}/clients [get]
func (cc *ClientController) ListClients(c *gin.Context) {
	var query ListClientsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrValidationFailed, err.Error()))
		return
	}
	query.Size = min(query.Size, services.MaxPageSize)

	tenant := middleware.GetTenant(c)
	clients, count, err := cc.clientService.ListClients(c.Request.Context(), tenant.ID, query.Page, query.Size)
	if err != nil {
		log.WithError(err).WithField("tenant_id", tenant.ID).Error("Failed to list clients")
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "failed_to_retrieve_clients"))
		return
	}

	if clients == nil {
		clients = []models.OAuthClient{}
	}
	c.JSON(http.StatusOK, ClientPage{Count: count, Results: clients})
}

type AddCredentialRequest struct {
	Name      string     `json:"name"`
	Algorithm string     `json:"algorithm" binding:"required"`
	PEMData   string     `json:"pem_data" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// AddCredential godoc
// @Summary Register a client public key
// @Description Register a PEM public key a private_key_jwt client signs its assertions with
// @Tags Admin
// @Accept json
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param client_id path string true "Client ID"
// @Param credential body AddCredentialRequest true "Key details"
// @Success 201 {object} models.ClientCredential "Credential registered"
// @Failure 400 {object} models.APIError "Invalid key or algorithm"
// @Failure 404 {object} models.APIError "Client not found"
// @Failure 409 {object} models.APIError "Key already registered"
// @Security BearerAuth
// @Router /tenant/{tenant_id}/clients/{client_id}/credentials [post]
func (cc *ClientController) AddCredential(c *gin.Context) {
	var req AddCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrValidationFailed, err.Error()))
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrValidationFailed, "expires_at must be in the future"))
		return
	}

	tenant := middleware.GetTenant(c)
	clientID := c.Param("client_id")
	cred, err := cc.provisionService.AddClientCredential(c.Request.Context(), tenant.ID, clientID, req.Name, req.PEMData, req.Algorithm, req.ExpiresAt)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, models.NewAPIError(models.ErrClientNotFound, "client_not_found"))
		case errors.Is(err, services.ErrAlreadyExists):
			c.JSON(http.StatusConflict, models.NewAPIError(models.ErrConflict, "credential_already_registered"))
		case errors.Is(err, services.ErrInvalidSpec):
			c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrBadRequest, err.Error()))
		default:
			log.WithError(err).WithFields(log.Fields{"tenant_id": tenant.ID, "client_id": clientID}).Error("Failed to register credential")
			c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "credential_registration_failed"))
		}
		return
	}

	log.WithFields(log.Fields{
		"tenant_id":  tenant.ID,
		"client_id":  clientID,
		"thumbprint": cred.Thumbprint,
	}).Info("Client credential registered")
	c.JSON(http.StatusCreated, cred)
}

// DeleteClient godoc
// @Summary Delete OAuth2 client
// @Description Delete a client together with its codes, tokens, consents and credentials
// @Tags Admin
// @Param tenant_id path string true "Tenant id or name"
// @Param client_id path string true "Client ID"
// @Success 204 "Client deleted successfully"
// @Failure 404 {object} models.APIError "Client not found"
// @Security BearerAuth
// @Router /tenant/{tenant_id}/clients/{client_id} [delete]
func (cc *ClientController) DeleteClient(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	if err := cc.provisionService.DeleteClient(c.Request.Context(), tenant.ID, c.Param("client_id")); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.NewAPIError(models.ErrClientNotFound, "client_not_found"))
			return
		}
		log.WithError(err).WithField("tenant_id", tenant.ID).Error("Failed to delete client")
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "client_deletion_failed"))
		return
	}

	c.Status(http.StatusNoContent)
}

// RotateKeys godoc
// @Summary Rotate the tenant signing key
// @Description Generates a new active key. The previous key keeps verifying tokens for the retention window.
// @Tags Admin
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /tenant/{tenant_id}/keys/rotate [post]
func (cc *ClientController) RotateKeys(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	key, err := cc.provisionService.RotateKeys(c.Request.Context(), tenant.ID)
	if err != nil {
		log.WithError(err).WithField("tenant_id", tenant.ID).Error("Failed to rotate keys")
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "key_rotation_failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"kid": key.ID, "alg": key.Algorithm.String()})
}
