package models

import "fmt"

type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeBearer AuthType = "bearer_token"
)

// Placement says where an api_key credential goes on the outbound request.
type Placement string

const (
	PlacementHeader Placement = "header"
	PlacementQuery  Placement = "query"
)

// AuthConfig is the third-party auth declaration of a Service. It is one of
// AuthNone, AuthAPIKey or AuthBearer. Secrets are always the encrypted
// "iv:tag:ciphertext" form.
type AuthConfig interface {
	Type() AuthType
}

type AuthNone struct{}

type AuthAPIKey struct {
	Placement Placement
	Name      string
	Secret    string
}

type AuthBearer struct {
	Secret string
}

func (AuthNone) Type() AuthType   { return AuthTypeNone }
func (AuthAPIKey) Type() AuthType { return AuthTypeAPIKey }
func (AuthBearer) Type() AuthType { return AuthTypeBearer }

// AuthColumns is the flat persisted form of an AuthConfig.
type AuthColumns struct {
	Type      AuthType  `json:"auth_type" db:"auth_type"`
	Placement Placement `json:"auth_placement,omitempty" db:"auth_placement"`
	Name      string    `json:"auth_name,omitempty" db:"auth_name"`
	Secret    string    `json:"auth_secret,omitempty" db:"auth_secret"`
}

func ColumnsFor(auth AuthConfig) AuthColumns {
	switch a := auth.(type) {
	case AuthAPIKey:
		return AuthColumns{Type: AuthTypeAPIKey, Placement: a.Placement, Name: a.Name, Secret: a.Secret}
	case AuthBearer:
		return AuthColumns{Type: AuthTypeBearer, Secret: a.Secret}
	default:
		return AuthColumns{Type: AuthTypeNone}
	}
}

func (c AuthColumns) AuthConfig() (AuthConfig, error) {
	switch c.Type {
	case "", AuthTypeNone:
		return AuthNone{}, nil
	case AuthTypeAPIKey:
		placement := c.Placement
		if placement == "" {
			placement = PlacementHeader
		}
		if placement != PlacementHeader && placement != PlacementQuery {
			return nil, fmt.Errorf("invalid auth placement: %s", c.Placement)
		}
		if c.Name == "" {
			return nil, fmt.Errorf("api_key auth requires a %s name", placement)
		}
		return AuthAPIKey{Placement: placement, Name: c.Name, Secret: c.Secret}, nil
	case AuthTypeBearer:
		return AuthBearer{Secret: c.Secret}, nil
	default:
		return nil, fmt.Errorf("invalid auth type: %s", c.Type)
	}
}
