package assistant

import (
	"context"
	"testing"
)

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "peggy", "peggy@example.com", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Currency != "USD" {
		t.Fatalf("default currency = %q, want USD", user.Currency)
	}

	if _, err := svc.RegisterUser(ctx, "peggy2", "peggy@example.com", "other"); err == nil {
		t.Fatalf("duplicate email must fail")
	}

	got, err := svc.Login(ctx, "peggy@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned wrong user: %d", got.ID)
	}

	if _, err := svc.Login(ctx, "peggy@example.com", "wrong"); err == nil {
		t.Fatalf("wrong password must fail")
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "hunter2"); err == nil {
		t.Fatalf("unknown email must fail")
	}
}

func TestUpdateUserProfile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user, err := svc.RegisterUser(ctx, "quinn", "quinn@example.com", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	income := 5200.0
	updated, err := svc.UpdateUserProfile(ctx, user.ID, &income, nil, "eur")
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.MonthlyIncome == nil || *updated.MonthlyIncome != 5200 {
		t.Fatalf("income not stored: %#v", updated.MonthlyIncome)
	}
	if updated.Currency != "EUR" {
		t.Fatalf("currency not normalized: %q", updated.Currency)
	}
	if updated.SavingsGoal != nil {
		t.Fatalf("savings goal set unexpectedly")
	}

	goal := 10000.0
	updated, err = svc.UpdateUserProfile(ctx, user.ID, nil, &goal, "")
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if updated.MonthlyIncome == nil || *updated.MonthlyIncome != 5200 {
		t.Fatalf("partial update dropped income")
	}
	if updated.SavingsGoal == nil || *updated.SavingsGoal != 10000 {
		t.Fatalf("savings goal not stored")
	}
}
