// ordermesh_cli is an interactive client for poking at a running OrderMesh
// deployment: placing orders through the broker and inspecting supplier
// catalogs and staged transactions.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sushant-115/ordermesh/core/transaction"
)

const clientTimeout = 10 * time.Second

var httpClient = &http.Client{Timeout: clientTimeout}

func main() {
	var (
		brokerURL = flag.String("broker", "http://localhost:8080", "broker base URL")
		suppliers = flag.String("suppliers", "http://localhost:8081,http://localhost:8082", "comma-separated supplier base URLs, index 0 serves supplier id 1")
	)
	flag.Parse()

	supplierURLs := strings.Split(*suppliers, ",")
	for i := range supplierURLs {
		supplierURLs[i] = strings.TrimRight(strings.TrimSpace(supplierURLs[i]), "/")
	}

	rl, err := readline.New("ordermesh> ")
	if err != nil {
		fmt.Printf("failed to start readline: %v\n", err)
		return
	}
	defer rl.Close()

	printHelp()
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or interrupt
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "order":
			if len(fields) != 2 {
				fmt.Println("usage: order <supplier:product:qty>[,<supplier:product:qty>...]")
				continue
			}
			doOrder(*brokerURL, fields[1])
		case "txns":
			getAndPrint(*brokerURL + "/admin/transactions")
		case "staged":
			if url, ok := supplierURL(supplierURLs, fields); ok {
				getAndPrint(url + "/transaction/staged")
			}
		case "products":
			if url, ok := supplierURL(supplierURLs, fields); ok {
				getAndPrint(url + "/products")
			}
		case "help":
			printHelp()
		case "exit", "quit":
			return
		default:
			fmt.Printf("unknown command %q; try 'help'\n", fields[0])
		}
	}
}

func printHelp() {
	fmt.Println(`Commands:
  order <supplier:product:qty>[,...]  place an order through the broker
  txns                                list broker transaction records
  staged <supplierId>                 show a supplier's staged transactions
  products <supplierId>               show a supplier's catalog
  help                                show this help
  exit                                quit`)
}

func supplierURL(urls []string, fields []string) (string, bool) {
	if len(fields) != 2 {
		fmt.Printf("usage: %s <supplierId>\n", fields[0])
		return "", false
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil || id <= 0 || id > len(urls) {
		fmt.Printf("supplier id must be 1..%d\n", len(urls))
		return "", false
	}
	return urls[id-1], true
}

// doOrder parses "supplier:product:qty,..." and posts it to the broker.
func doOrder(brokerURL, spec string) {
	var items []transaction.LineItem
	for _, part := range strings.Split(spec, ",") {
		bits := strings.Split(strings.TrimSpace(part), ":")
		if len(bits) != 3 {
			fmt.Printf("bad item %q, want supplier:product:qty\n", part)
			return
		}
		supplier, err1 := strconv.Atoi(bits[0])
		product, err2 := strconv.ParseInt(bits[1], 10, 64)
		qty, err3 := strconv.Atoi(bits[2])
		if err1 != nil || err2 != nil || err3 != nil {
			fmt.Printf("bad item %q, want numeric supplier:product:qty\n", part)
			return
		}
		items = append(items, transaction.LineItem{SupplierID: supplier, ProductID: product, Quantity: qty})
	}

	body, _ := json.Marshal(map[string]any{"items": items})
	resp, err := httpClient.Post(brokerURL+"/checkout", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("checkout failed: %v\n", err)
		return
	}
	defer resp.Body.Close()
	printBody(resp.Body)
}

func getAndPrint(url string) {
	resp, err := httpClient.Get(url)
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()
	printBody(resp.Body)
}

func printBody(r io.Reader) {
	raw, err := io.ReadAll(r)
	if err != nil {
		fmt.Printf("failed to read response: %v\n", err)
		return
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(raw))
}
