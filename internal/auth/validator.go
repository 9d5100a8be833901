package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loa-labs/loa-finn/internal/core"
)

// Audiences by endpoint class. Validation pins the audience to the class;
// a token minted for one surface never opens another.
const (
	AudienceInvoke = "loa-finn"
	AudienceAdmin  = "loa-finn-admin"
	AudienceS2S    = "arrakis"
)

// EndpointClass selects the claim policy for a route.
type EndpointClass int

const (
	ClassInvoke EndpointClass = iota
	ClassAdmin
	ClassS2S
)

func (c EndpointClass) audience() string {
	switch c {
	case ClassAdmin:
		return AudienceAdmin
	case ClassS2S:
		return AudienceS2S
	default:
		return AudienceInvoke
	}
}

// maxS2SLifetime compensates for the missing jti on service tokens.
const maxS2SLifetime = 60 * time.Second

// Validator performs the structural pre-check, signature verification via
// the JWKS cache, claim validation, and the jti replay guard.
type Validator struct {
	jwks    *JWKSCache
	issuers map[string]bool
	skew    time.Duration
	replay  ReplayGuard
	now     func() time.Time
}

// ValidatorConfig wires the validator. Issuers are matched exactly.
type ValidatorConfig struct {
	JWKS    *JWKSCache
	Issuers []string
	Skew    time.Duration // default 30s
	Replay  ReplayGuard
	Now     func() time.Time
}

func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Skew <= 0 {
		cfg.Skew = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	issuers := make(map[string]bool, len(cfg.Issuers))
	for _, iss := range cfg.Issuers {
		issuers[iss] = true
	}
	return &Validator{
		jwks:    cfg.JWKS,
		issuers: issuers,
		skew:    cfg.Skew,
		replay:  cfg.Replay,
		now:     cfg.Now,
	}
}

// tokenHeader is the decoded first segment. Only alg and kid matter; typ is
// tolerated but not required.
type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ,omitempty"`
}

// precheck enforces shape before any signature work: three segments and a
// header hard-wired to ES256 with a kid. This defeats alg:none and
// algorithm-confusion tokens without ever touching key material.
func precheck(raw string) (*tokenHeader, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, core.E(core.KindJWTStructural, "token is not three base64url segments")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, core.E(core.KindJWTStructural, "token header is not base64url")
	}
	var hdr tokenHeader
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return nil, core.E(core.KindJWTStructural, "token header is not a JSON object")
	}
	if hdr.Alg != "ES256" {
		return nil, core.Ef(core.KindJWTStructural, "alg %q is not permitted", hdr.Alg)
	}
	if hdr.Kid == "" {
		return nil, core.E(core.KindJWTStructural, "token header is missing kid")
	}
	return &hdr, nil
}

// Validate checks raw against the policy for class and returns the tenant
// context. Errors are tagged; the HTTP layer maps kinds to statuses.
func (v *Validator) Validate(ctx context.Context, raw string, class EndpointClass) (*TenantContext, error) {
	hdr, err := precheck(raw)
	if err != nil {
		return nil, err
	}

	key, err := v.jwks.KeyFor(ctx, hdr.Kid)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithLeeway(v.skew),
		jwt.WithExpirationRequired(),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return nil, core.Wrap(core.KindJWTInvalid, "signature or time validation failed", err)
	}

	iss, _ := claims.GetIssuer()
	if !v.issuers[iss] {
		return nil, core.Ef(core.KindIssuerNotAllowed, "issuer %q is not allowed", iss)
	}

	aud, _ := claims.GetAudience()
	if !containsAudience(aud, class.audience()) {
		return nil, core.Ef(core.KindAudienceMismatch, "token audience does not include %q", class.audience())
	}

	jti, _ := claims["jti"].(string)
	switch class {
	case ClassS2S:
		// No jti on service tokens; a tight lifetime bounds the replay
		// window instead.
		iat, err := claims.GetIssuedAt()
		if err != nil || iat == nil {
			return nil, core.E(core.KindJWTInvalid, "s2s token is missing iat")
		}
		exp, _ := claims.GetExpirationTime()
		if exp.Sub(iat.Time) > maxS2SLifetime {
			return nil, core.Ef(core.KindJWTInvalid, "s2s token lifetime exceeds %s", maxS2SLifetime)
		}
	default:
		if jti == "" {
			return nil, core.E(core.KindJTIRequired, "token is missing jti")
		}
	}

	tc, err := tenantFromClaims(claims, class)
	if err != nil {
		return nil, err
	}

	if jti != "" && v.replay != nil {
		exp, _ := claims.GetExpirationTime()
		ttl := exp.Sub(v.now()) + v.skew
		fresh, err := v.replay.MarkJTI(ctx, iss, jti, ttl)
		if err != nil {
			return nil, err
		}
		if !fresh {
			return nil, core.Ef(core.KindJTIReplay, "jti %q already presented", jti)
		}
	}

	return tc, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func tenantFromClaims(claims jwt.MapClaims, class EndpointClass) (*TenantContext, error) {
	tenantID, _ := claims["tenant_id"].(string)
	if tenantID == "" {
		return nil, core.E(core.KindJWTInvalid, "token is missing tenant_id")
	}

	tierStr, _ := claims["tier"].(string)
	tier := Tier(tierStr)
	if !validTiers[tier] {
		return nil, core.Ef(core.KindJWTInvalid, "unknown tier %q", tierStr)
	}

	reqHash, _ := claims["req_hash"].(string)
	if class == ClassInvoke && reqHash == "" {
		return nil, core.E(core.KindJWTInvalid, "token is missing req_hash")
	}

	sub, _ := claims.GetSubject()
	iss, _ := claims.GetIssuer()

	tc := &TenantContext{
		Subject:  sub,
		TenantID: tenantID,
		Tier:     tier,
		Issuer:   iss,
		ReqHash:  reqHash,
	}

	if nft, ok := claims["nft_id"].(string); ok {
		tc.NFTID = nft
	}
	if pool, ok := claims["pool_id"].(string); ok {
		tc.PoolID = pool
	}
	if pools, ok := claims["allowed_pools"].([]interface{}); ok {
		for _, p := range pools {
			if s, ok := p.(string); ok {
				tc.AllowedPools = append(tc.AllowedPools, s)
			}
		}
	}
	tc.Scopes = scopesFromClaims(claims)
	return tc, nil
}

// scopesFromClaims accepts both the space-separated "scope" string and a
// "scopes" array; issuers differ on which they emit.
func scopesFromClaims(claims jwt.MapClaims) []string {
	var scopes []string
	if s, ok := claims["scope"].(string); ok && s != "" {
		scopes = append(scopes, strings.Fields(s)...)
	}
	if arr, ok := claims["scopes"].([]interface{}); ok {
		for _, s := range arr {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}
	return scopes
}
