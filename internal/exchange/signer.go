package exchange

import (
	"context"
	"strings"
)

// Signature - подпись действия Hyperliquid (EIP-712, компоненты r/s/v)
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// Signer подписывает действия /exchange.
// Ключ кошелька в процессе не хранится: подпись выполняет внешний сервис
// или аппаратный кошелёк.
type Signer interface {
	SignAction(ctx context.Context, action interface{}, nonce int64) (Signature, error)
}

// SignerFunc - адаптер функции к Signer
type SignerFunc func(ctx context.Context, action interface{}, nonce int64) (Signature, error)

func (f SignerFunc) SignAction(ctx context.Context, action interface{}, nonce int64) (Signature, error) {
	return f(ctx, action, nonce)
}

// RemoteSigner отправляет действие во внешний сервис подписи:
// POST {url} {"action": ..., "nonce": ...} -> {"r": ..., "s": ..., "v": ...}
type RemoteSigner struct {
	rest *restClient
}

// NewRemoteSigner создаёт клиента сервиса подписи
func NewRemoteSigner(url string, cfg HTTPClientConfig) *RemoteSigner {
	return &RemoteSigner{rest: &restClient{
		venue:   "signer",
		baseURL: strings.TrimRight(url, "/"),
		http:    NewHTTPClient(cfg),
	}}
}

func (s *RemoteSigner) SignAction(ctx context.Context, action interface{}, nonce int64) (Signature, error) {
	var sig Signature
	err := s.rest.postJSON(ctx, "", map[string]interface{}{"action": action, "nonce": nonce}, &sig)
	if err != nil {
		if e, ok := AsError(err); ok && e.Kind != KindVenueUnavailable {
			// отказ сервиса подписи - проблема учётных данных
			return Signature{}, newError(VenueHyperliquid, KindAuthentication, e.Code, "signer: "+e.Message, err)
		}
		return Signature{}, err
	}
	if sig.R == "" || sig.S == "" {
		return Signature{}, newError(VenueHyperliquid, KindAuthentication, "", "signer returned empty signature", nil)
	}
	return sig, nil
}
