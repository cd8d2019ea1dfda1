// Package steamapi adapts the Steam Web API ("api.steampowered.com") for
// the offer engine: request descriptors, response envelopes, and the
// mapping from wire DTOs to offer values.
package steamapi

import (
	"fmt"
	"net/http"
)

// BaseURL is the Web API host. Overridable on the Client for tests.
const BaseURL = "https://api.steampowered.com"

// Descriptor is one Web API call: interface, function, version and HTTP
// method. A flat value instead of a request-type hierarchy; the caller
// supplies parameters per invocation and the descriptor decides where and
// how they travel (query string for GETs, form body for POSTs).
type Descriptor struct {
	Interface  string
	Function   string
	Version    int
	HTTPMethod string
}

// Path returns the URL path for this call.
func (d Descriptor) Path() string {
	return fmt.Sprintf("/%s/%s/v%d/", d.Interface, d.Function, d.Version)
}

// Name returns "Interface/Function" for logs and metric labels.
func (d Descriptor) Name() string {
	return d.Interface + "/" + d.Function
}

// The calls the offer engine makes.
var (
	descGetTradeOffers = Descriptor{
		Interface: "IEconService", Function: "GetTradeOffers", Version: 1, HTTPMethod: http.MethodGet,
	}
	descGetTradeOffer = Descriptor{
		Interface: "IEconService", Function: "GetTradeOffer", Version: 1, HTTPMethod: http.MethodGet,
	}
	descCancelTradeOffer = Descriptor{
		Interface: "IEconService", Function: "CancelTradeOffer", Version: 1, HTTPMethod: http.MethodPost,
	}
	descDeclineTradeOffer = Descriptor{
		Interface: "IEconService", Function: "DeclineTradeOffer", Version: 1, HTTPMethod: http.MethodPost,
	}
	descGetTradeStatus = Descriptor{
		Interface: "IEconService", Function: "GetTradeStatus", Version: 1, HTTPMethod: http.MethodGet,
	}
)
