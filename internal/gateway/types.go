package gateway

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Charge statuses reported by the provider.
const (
	StatusNew        = "New"
	StatusWaiting    = "Waiting"
	StatusConfirming = "Confirming"
	StatusPaid       = "Paid"
	StatusExpired    = "Expired"
	StatusFailed     = "Failed"
)

const resultOK = 100

// ChargeRequest is what callers want charged. Every field is sent as given;
// defaults are resolved before the request reaches the client.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	PayCurrency    string
	LifeTime       int
	FeePaidByPayer int
	UnderPaidCover decimal.Decimal
	CallbackURL    string
	ReturnURL      string
	Description    string
	OrderID        string
	Email          string
	Network        string
}

type ChargeResult struct {
	TrackID     string          `json:"trackId"`
	Address     string          `json:"address"`
	PayLink     string          `json:"payLink,omitempty"`
	ExpiredAt   int64           `json:"expiredAt"`
	LifeTime    int             `json:"lifeTime"`
	Message     string          `json:"message"`
	QRCode      string          `json:"QRCode,omitempty"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PayAmount   decimal.Decimal `json:"payAmount"`
	PayCurrency string          `json:"payCurrency"`
	Network     string          `json:"network,omitempty"`
}

type ChargeStatus struct {
	TrackID        string          `json:"trackId"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PayAmount      decimal.Decimal `json:"payAmount"`
	PayCurrency    string          `json:"payCurrency"`
	ReceivedAmount decimal.Decimal `json:"receivedAmount"`
	TxID           string          `json:"txID"`
	Address        string          `json:"address"`
	Email          string          `json:"email"`
	OrderID        string          `json:"orderId"`
	Message        string          `json:"message"`
}

type chargeWire struct {
	Merchant       string      `json:"merchant"`
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency,omitempty"`
	PayCurrency    string      `json:"payCurrency,omitempty"`
	LifeTime       int         `json:"lifeTime"`
	FeePaidByPayer int         `json:"feePaidByPayer"`
	UnderPaidCover json.Number `json:"underPaidCover"`
	CallbackURL    string      `json:"callbackUrl"`
	ReturnURL      string      `json:"returnUrl,omitempty"`
	Description    string      `json:"description,omitempty"`
	OrderID        string      `json:"orderId,omitempty"`
	Email          string      `json:"email,omitempty"`
	Network        string      `json:"network,omitempty"`
}

type inquiryWire struct {
	Merchant string `json:"merchant"`
	TrackID  string `json:"trackId"`
}

type chargeResponse struct {
	Result      int             `json:"result"`
	Message     string          `json:"message"`
	TrackID     FlexString      `json:"trackId"`
	Address     string          `json:"address"`
	PayLink     string          `json:"payLink"`
	ExpiredAt   int64           `json:"expiredAt"`
	LifeTime    int             `json:"lifeTime"`
	QRCode      string          `json:"QRCode"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PayAmount   decimal.Decimal `json:"payAmount"`
	PayCurrency string          `json:"payCurrency"`
	Network     string          `json:"network"`
}

type inquiryResponse struct {
	Result         int             `json:"result"`
	Message        string          `json:"message"`
	TrackID        FlexString      `json:"trackId"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PayAmount      decimal.Decimal `json:"payAmount"`
	PayCurrency    string          `json:"payCurrency"`
	ReceivedAmount decimal.Decimal `json:"receivedAmount"`
	TxID           string          `json:"txID"`
	Address        string          `json:"address"`
	Email          string          `json:"email"`
	OrderID        string          `json:"orderId"`
}

// FlexString accepts a JSON string or number. The provider is not
// consistent about how it encodes track identifiers.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string {
	return string(f)
}
