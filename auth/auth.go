package auth

import (
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// ContextKey is a defined type to be used in context.Context containing the Claims
type ContextKey string

// Context is key used in context.Context containing the Claims
const Context ContextKey = "authContext"

// Environment is the type for defining the running environment
type Environment string

// define constants
const (
	EnvDevelopment Environment = "Dev"
	EnvProduction  Environment = "Prod"
)

// Auth issues and verifies the HS256 service tokens used between the
// billing, member, and identity services
type Auth struct {
	Options
	jwtKey []byte
}

// Claims is the struct for jwt token
type Claims struct {
	jwt.StandardClaims
	Service string `json:"service"`
	Subject string `json:"subject"`
	Admin   bool   `json:"admin"`
}

// Options provides initialization parameters for Auth
type Options struct {
	Environment   Environment
	ServiceName   string
	JWTSigningKey string
	TokenTTL      time.Duration
}

func (o *Options) validate() error {
	if o == nil {
		return fmt.Errorf("nil option is invalid")
	}
	if len(o.ServiceName) == 0 {
		return fmt.Errorf("empty ServiceName is invalid")
	}
	if len(o.JWTSigningKey) < 16 {
		return fmt.Errorf("jwt signing key must be longer than 16 characters")
	}
	if o.Environment == "" {
		o.Environment = EnvDevelopment
	}
	if o.TokenTTL == 0 {
		o.TokenTTL = time.Minute * 15
	}
	return nil
}

// New will return a new instance of Auth for service-to-service authentication
func New(option Options) (*Auth, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	return &Auth{
		Options: option,
		jwtKey:  []byte(option.JWTSigningKey),
	}, nil
}

// CreateServiceToken will create a signed jwt token identifying this service.
// Sibling services verify it with the shared signing key.
func (a *Auth) CreateServiceToken() (string, error) {
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(a.TokenTTL).Unix(),
			Issuer:    a.ServiceName,
		},
		Service: a.ServiceName,
	}
	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	return token.SignedString(a.jwtKey)
}

// CreateTokenFromClaims will create a signed jwt token that contains the given Claims
func (a *Auth) CreateTokenFromClaims(claims Claims) (string, error) {
	claims.StandardClaims = jwt.StandardClaims{
		ExpiresAt: time.Now().Add(a.TokenTTL).Unix(),
		Issuer:    a.ServiceName,
	}
	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	return token.SignedString(a.jwtKey)
}
