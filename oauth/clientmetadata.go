package oauth

import "github.com/gravwell/atcore/atcrypto"

// ClientMetadata is the atproto OAuth client metadata document a confidential
// or public client publishes at its client_id URL. Hosting the document is
// the caller's responsibility; this package only shapes it.
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ApplicationType         string   `json:"application_type"`
	DPoPBoundAccessTokens   bool     `json:"dpop_bound_access_tokens"`
	JWKSURI                 string   `json:"jwks_uri,omitempty"`
}

// ClientMetadataBuilder constructs a ClientMetadata document. The JWKS a
// confidential client publishes is built separately, by BuildJWKS.
type ClientMetadataBuilder struct {
	md ClientMetadata
}

func NewClientMetadataBuilder(clientID string, redirectURIs ...string) *ClientMetadataBuilder {
	return &ClientMetadataBuilder{
		md: ClientMetadata{
			ClientID:                clientID,
			RedirectURIs:            redirectURIs,
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			Scope:                   "atproto",
			TokenEndpointAuthMethod: "none",
			ApplicationType:         "web",
			DPoPBoundAccessTokens:   true,
		},
	}
}

func (b *ClientMetadataBuilder) Name(name string) *ClientMetadataBuilder {
	b.md.ClientName = name
	return b
}

func (b *ClientMetadataBuilder) Scopes(scope string) *ClientMetadataBuilder {
	b.md.Scope = scope
	return b
}

// Confidential marks the client as confidential: it sets
// token_endpoint_auth_method to private_key_jwt and jwks_uri to jwksURI,
// the location of the client's public JWK set.
func (b *ClientMetadataBuilder) Confidential(jwksURI string) *ClientMetadataBuilder {
	b.md.TokenEndpointAuthMethod = "private_key_jwt"
	b.md.JWKSURI = jwksURI
	b.md.ApplicationType = "web"
	return b
}

func (b *ClientMetadataBuilder) Build() ClientMetadata {
	return b.md
}

// JWKSDocument is the public half of a signing keyset, published at a
// confidential client's jwks_uri.
type JWKSDocument struct {
	Keys []atcrypto.JWK `json:"keys"`
}

func BuildJWKS(signers ...atcrypto.Signer) (JWKSDocument, error) {
	doc := JWKSDocument{Keys: make([]atcrypto.JWK, 0, len(signers))}
	for _, s := range signers {
		jwk, err := s.PublicJWK()
		if err != nil {
			return JWKSDocument{}, err
		}
		doc.Keys = append(doc.Keys, jwk)
	}
	return doc, nil
}
