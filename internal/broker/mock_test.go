package broker

import (
	"context"
	"testing"
)

func TestMockGatewayBalanceEnforcement(t *testing.T) {
	ctx := context.Background()
	gw := NewMockGateway(500)

	_, err := gw.SubmitOrder(ctx, OrderRequest{Symbol: "RELIANCE", Side: "SELL", Quantity: 10, Price: 100})
	if !IsInsufficientFunds(err) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	gw.SetBalance(2000)
	order, err := gw.SubmitOrder(ctx, OrderRequest{Symbol: "RELIANCE", Side: "SELL", Quantity: 10, Price: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 1 || live[0].OrderID != order.OrderID {
		t.Fatalf("submitted order should be live, got %v", live)
	}
}

func TestMockGatewayLifecycle(t *testing.T) {
	ctx := context.Background()
	gw := NewMockGateway(10000)

	order, err := gw.SubmitOrder(ctx, OrderRequest{Symbol: "RELIANCE", Side: "SELL", Quantity: 10, Price: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gw.Resolve(order.OrderID, "FILLED")

	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 0 {
		t.Fatal("resolved orders leave the live list")
	}

	hist, err := gw.GetOrderHistory(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hist.Status != "FILLED" {
		t.Fatalf("expected FILLED in history, got %q", hist.Status)
	}

	gw.Drop(order.OrderID)
	if _, err := gw.GetOrderHistory(ctx, order.OrderID); !IsPermanent(err) {
		t.Fatalf("a dropped order is unknown to history, got %v", err)
	}
}
