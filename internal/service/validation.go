package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sharaein/server/internal/auth"
)

var validate = newValidator()

// newValidator はエラーのフィールド名にjsonタグの名前を使うバリデーターを作成します
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// maxは文字数で数えるので、bcryptのバイト数の上限は別に確認する
	_ = v.RegisterValidation("bcryptlen", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= auth.MaxPasswordBytes
	})
	return v
}

// fieldMessages はフィールドとタグの組み合わせごとのエラーメッセージ
var fieldMessages = map[string]map[string]string{
	"name": {
		"required": "Room name is required",
		"max":      "Room name too long",
	},
	"password": {
		"required":  "Password is required",
		"min":       "Password must be at least 4 characters",
		"max":       "Password too long",
		"bcryptlen": "Password too long",
	},
	"roomId": {
		"required": "Room ID is required",
	},
	"fileId": {
		"required": "File ID is required",
	},
}

type createRoomInput struct {
	Name     string `json:"name" validate:"required,max=50"`
	Password string `json:"password" validate:"required,min=4,max=50,bcryptlen"`
}

type joinRoomInput struct {
	RoomID   string `json:"roomId" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// validateStruct はvalidatorのエラーをValidationErrorに変換します
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Errors: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		field := fe.Field()
		msg, ok := fieldMessages[field][fe.Tag()]
		if !ok {
			msg = field + " is invalid"
		}
		out.Errors = append(out.Errors, FieldError{Field: field, Message: msg})
	}
	return out
}

func newFieldError(field, tag string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: fieldMessages[field][tag]}}}
}
