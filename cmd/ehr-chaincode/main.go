package main

import (
	"fmt"
	"os"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/ehr/portal/internal/chaincode"
)

func main() {
	writer := os.Getenv("LEDGER_WRITER_MSPID")
	if writer == "" {
		fmt.Println("LEDGER_WRITER_MSPID is required")
		os.Exit(1)
	}

	cc, err := contractapi.NewChaincode(&chaincode.LedgerContract{WriterMSPID: writer})
	if err != nil {
		fmt.Printf("Error creating ehr ledger chaincode: %v\n", err)
		os.Exit(1)
	}

	if err := cc.Start(); err != nil {
		fmt.Printf("Error starting ehr ledger chaincode: %v\n", err)
		os.Exit(1)
	}
}
