package httpgin

import "github.com/kirinyoku/raffle-go/internal/domain"

type HoldRequest struct {
	HolderRef string `json:"holder_ref" binding:"required"`
	Numbers   []int  `json:"numbers" binding:"required,min=1"`
}

type ReleaseRequest struct {
	HolderRef string `json:"holder_ref" binding:"required"`
	// Numbers defaults to everything the holder has.
	Numbers []int `json:"numbers"`
}

type BuyerInput struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Phone    string `json:"phone"`
	Document string `json:"document"`
}

type IssueChargeRequest struct {
	HolderRef string     `json:"holder_ref" binding:"required"`
	Buyer     BuyerInput `json:"buyer" binding:"required"`
}

func (b BuyerInput) contact() domain.BuyerContact {
	return domain.BuyerContact{
		Name:     b.Name,
		Email:    b.Email,
		Phone:    b.Phone,
		Document: b.Document,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type HoldResponse struct {
	domain.HoldResult
	TTLSec int `json:"ttl_sec"`
}

type ReleaseResponse struct {
	Released []int `json:"released_numbers"`
}

type ChargeResponse struct {
	domain.Charge
	Reused bool `json:"reused,omitempty"`
}

type WebhookResponse struct {
	Received bool                `json:"received"`
	Settled  bool                `json:"settled"`
	Status   domain.ChargeStatus `json:"status,omitempty"`
}
