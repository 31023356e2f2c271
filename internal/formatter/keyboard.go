package formatter

import (
	"encoding/json"

	"github.com/go-telegram/bot/models"
)

// Callback actions carried by inline buttons
const (
	CallbackCheckNow = "check"
	CallbackStatus   = "status"
)

// CallbackData is the payload of an inline button
type CallbackData struct {
	Action    string `json:"a"`
	AccountID int64  `json:"id,omitempty"`
}

// BuildAccountKeyboard creates the inline keyboard attached to account alerts
func BuildAccountKeyboard(accountID int64) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{
					Text:         "Check now",
					CallbackData: EncodeCallback(CallbackData{Action: CallbackCheckNow, AccountID: accountID}),
				},
				{
					Text:         "Pool status",
					CallbackData: EncodeCallback(CallbackData{Action: CallbackStatus}),
				},
			},
		},
	}
}

// EncodeCallback encodes callback data to string
func EncodeCallback(data CallbackData) string {
	b, _ := json.Marshal(data)
	return string(b)
}

// DecodeCallback decodes callback data from string
func DecodeCallback(data string) (CallbackData, error) {
	var cb CallbackData
	err := json.Unmarshal([]byte(data), &cb)
	return cb, err
}
