// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package validation

import (
	"strings"
	"testing"
)

type uploadRequest struct {
	SessionID  string `validate:"required,uuid"`
	QuestionID string `validate:"required"`
	MaxBytes   int    `validate:"gte=1,lte=52428800"`
}

func TestValidateStructPasses(t *testing.T) {
	req := uploadRequest{
		SessionID:  "a59cbcd5-92dd-4c54-aa76-4f3d38e1f2a5",
		QuestionID: "q1",
		MaxBytes:   1024,
	}
	if err := ValidateStruct(&req); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateStructReportsAllFields(t *testing.T) {
	req := uploadRequest{SessionID: "not-a-uuid", MaxBytes: 0}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(err.Fields) != 3 {
		t.Fatalf("fields = %d, want 3: %v", len(err.Fields), err)
	}
	if !strings.Contains(err.Error(), "SessionID must be a valid UUID") {
		t.Errorf("message = %q", err.Error())
	}
	if !strings.Contains(err.Error(), "QuestionID is required") {
		t.Errorf("message = %q", err.Error())
	}
}
