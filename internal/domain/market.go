package domain

import "time"

const (
	// DefaultTickSize es el tick estándar del CLOB cuando el mercado no informa uno.
	DefaultTickSize = 0.01
	// DefaultMinOrderSize es el tamaño mínimo (shares) aceptado por el CLOB.
	DefaultMinOrderSize = 5.0
)

// Outcome identifica el lado de un mercado binario.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Market representa un mercado de predicción binario en Polymarket.
// Inmutable una vez creado: se registra en el book store y no se modifica.
type Market struct {
	ConditionID  string
	Question     string    // enriquecido desde Gamma
	Slug         string    // enriquecido desde Gamma
	EndDate      time.Time // fecha de resolución
	Volume24h    float64   // volumen últimas 24h en USDC
	TickSize     float64
	MinOrderSize float64 // en shares
	NegRisk      bool
	Tokens       [2]Token
	Active       bool
	Closed       bool
}

// Token es uno de los dos lados del mercado (YES/NO).
type Token struct {
	TokenID string
	Outcome string  // "Yes" | "No"
	Price   float64 // último precio del CLOB
}

// Tick devuelve el tick size del mercado o el default.
func (m Market) Tick() float64 {
	if m.TickSize > 0 {
		return m.TickSize
	}
	return DefaultTickSize
}

// MinSize devuelve el tamaño mínimo de orden del mercado o el default.
func (m Market) MinSize() float64 {
	if m.MinOrderSize > 0 {
		return m.MinOrderSize
	}
	return DefaultMinOrderSize
}

// YesToken devuelve el token YES del mercado.
func (m Market) YesToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "Yes" {
			return t
		}
	}
	return m.Tokens[0]
}

// NoToken devuelve el token NO del mercado.
func (m Market) NoToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "No" {
			return t
		}
	}
	return m.Tokens[1]
}

// TokenID devuelve el token_id del outcome pedido.
func (m Market) TokenID(o Outcome) string {
	if o == OutcomeYes {
		return m.YesToken().TokenID
	}
	return m.NoToken().TokenID
}
