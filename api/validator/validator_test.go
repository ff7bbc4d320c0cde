package validator

import (
	"testing"
)

type sendRequest struct {
	AuthorID   string `validate:"required"`
	AuthorName string `validate:"required"`
	Body       string `validate:"required,max=100"`
	ReplyToID  string
}

func TestValidator_ValidateStruct(t *testing.T) {
	v := New()

	longBody := make([]byte, 101)
	for i := range longBody {
		longBody[i] = 'a'
	}

	tests := []struct {
		name    string
		input   interface{}
		wantErr bool
		fields  []string
	}{
		{
			name: "Valid request",
			input: sendRequest{
				AuthorID:   "1",
				AuthorName: "User One",
				Body:       "Hello",
			},
			wantErr: false,
		},
		{
			name: "Missing required fields",
			input: sendRequest{
				Body: "Hello",
			},
			wantErr: true,
			fields:  []string{"AuthorID", "AuthorName"},
		},
		{
			name: "Empty body",
			input: sendRequest{
				AuthorID:   "1",
				AuthorName: "User One",
			},
			wantErr: true,
			fields:  []string{"Body"},
		},
		{
			name: "Body too long",
			input: sendRequest{
				AuthorID:   "1",
				AuthorName: "User One",
				Body:       string(longBody),
			},
			wantErr: true,
			fields:  []string{"Body"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errors := v.ValidateStruct(tt.input)

			if tt.wantErr && len(errors) == 0 {
				t.Error("ValidateStruct() expected errors but got none")
				return
			}

			if !tt.wantErr && len(errors) > 0 {
				t.Errorf("ValidateStruct() got unexpected errors: %v", errors)
				return
			}

			if tt.wantErr {
				foundFields := make([]string, 0)
				for _, err := range errors {
					foundFields = append(foundFields, err.Field)
				}
				for _, expectedField := range tt.fields {
					found := false
					for _, foundField := range foundFields {
						if foundField == expectedField {
							found = true
							break
						}
					}
					if !found {
						t.Errorf("Expected validation error for field %s, but got none", expectedField)
					}
				}
			}
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		value   interface{}
		tag     string
		wantErr bool
	}{
		{
			name:    "Required field present",
			value:   "general",
			tag:     "required",
			wantErr: false,
		},
		{
			name:    "Required field empty",
			value:   "",
			tag:     "required",
			wantErr: true,
		},
		{
			name:    "Within max length",
			value:   "Hello",
			tag:     "max=100",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errors := v.Validate(tt.value, tt.tag)

			if tt.wantErr && len(errors) == 0 {
				t.Error("Validate() expected errors but got none")
			}

			if !tt.wantErr && len(errors) > 0 {
				t.Errorf("Validate() got unexpected errors: %v", errors)
			}
		})
	}
}

func TestNew(t *testing.T) {
	v := New()
	if v == nil || v.cli == nil {
		t.Error("New() returned invalid validator")
	}
}
