package mesh

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims the client reads from its bearer token
// the token is verified by the backend, the client only reads it
type ByJwt struct {
	User      string
	SessionId string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Unexpected claims type %T.", token.Claims)
	}

	byJwt := &ByJwt{}
	if user, ok := claims["user"].(string); ok {
		byJwt.User = user
	} else if sub, err := claims.GetSubject(); err == nil {
		byJwt.User = sub
	}
	if sessionId, ok := claims["session_id"].(string); ok {
		byJwt.SessionId = sessionId
	}
	return byJwt, nil
}
