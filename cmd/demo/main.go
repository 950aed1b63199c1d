package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"postingkernel"
)

func main() {
	fmt.Println("Posting Kernel Demo")
	fmt.Println("===================")

	dbFile := "demo_kernel.db"
	os.Remove(dbFile)
	defer os.Remove(dbFile)

	resolver := accounting.NewRoleResolver()
	resolver.Bind("acme-co", "receivable", accounting.LedgerAR, "1100")
	resolver.Bind("acme-co", "revenue", accounting.LedgerGL, "4000")
	resolver.Bind("acme-co", "rounding_adjustment", accounting.LedgerGL, "9999")

	invoiceProfile := &accounting.EconomicProfile{
		Name:      "invoice_raised",
		Version:   1,
		EventType: "INVOICE_RAISED",
		Lines: []accounting.LineMapping{
			{Role: "receivable", Side: accounting.SideDebit, Ledger: accounting.LedgerAR, Amount: accounting.AmountSource{Kind: accounting.SourcePrimary}},
			{Role: "revenue", Side: accounting.SideCredit, Ledger: accounting.LedgerGL, Amount: accounting.AmountSource{Kind: accounting.SourcePrimary}},
		},
	}
	policies := accounting.NewPolicyPack(invoiceProfile)

	kernel, err := accounting.NewKernel(dbFile, policies, resolver)
	if err != nil {
		log.Fatalf("failed to open kernel: %v", err)
	}
	defer kernel.Close()

	amount, _ := accounting.NewMoney("2500.00", "USD")
	entry, err := kernel.PostEvent(
		"INVOICE_RAISED",
		map[string]any{"amount": amount, "currency": accounting.Currency("USD"), "artifact_ref": "INV-1001"},
		time.Now(),
		"demo_user",
		"acme-co",
		"invoice-1001-raise",
	)
	if err != nil {
		log.Fatalf("failed to post invoice: %v", err)
	}
	fmt.Printf("posted journal entry %s (entry number %d)\n", entry.ID, entry.EntryNumber)

	if err := kernel.AuditChain.Verify(); err != nil {
		log.Fatalf("audit chain verification failed: %v", err)
	}
	fmt.Println("audit chain verified")

	payment, _ := accounting.NewMoney("1000.00", "USD")
	link, err := kernel.ApplyPayment("PMT-1", "INV-1001", payment, amount)
	if err != nil {
		log.Fatalf("failed to apply payment: %v", err)
	}
	fmt.Printf("applied payment link %s\n", link.ID)

	state, err := kernel.GetReconciliationState("INV-1001", amount)
	if err != nil {
		log.Fatalf("failed to read reconciliation state: %v", err)
	}
	fmt.Printf("invoice INV-1001 remaining balance: %s\n", state.RemainingAmount)
}
