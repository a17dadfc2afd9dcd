package shard

import (
	"fmt"
	"net/url"

	json "github.com/goccy/go-json"
	"github.com/gorilla/schema"
	"github.com/rs/xid"
	"github.com/valyala/fasthttp"
)

// EndpointBaseURL represents the base URL of Discord API requests.
const EndpointBaseURL = "https://discord.com/api/v" + VersionGatewayAPI + "/"

// HTTP Header Variables.
var (
	// headerAuthorizationKey represents the key for an "Authorization" HTTP Header.
	headerAuthorizationKey = "Authorization"
)

var (
	// qsEncoder is used to create URL Query Strings from objects.
	qsEncoder = schema.NewEncoder()
)

// init runs at the start of the program.
func init() {
	// use `url` tags for the URL Query String encoder.
	qsEncoder.SetAliasTag("url")
}

// EndpointQueryString returns a URL Query String from a given object.
func EndpointQueryString(dst any) (string, error) {
	params := url.Values{}
	err := qsEncoder.Encode(dst, params)
	if err != nil {
		return "", err //nolint:wrapcheck
	}

	return params.Encode(), nil
}

// Client represents the Discord API client used for the Shard's
// REST collaborators (i.e Gateway endpoint discovery).
type Client struct {
	// Authentication represents the Authorization header sent with every request.
	Authentication string

	// BaseURL represents the base URL requests are sent to.
	BaseURL string

	client *fasthttp.Client
}

// NewClient creates a Client that authenticates with the given bot token.
func NewClient(token string) *Client {
	return &Client{
		Authentication: "Bot " + token,
		BaseURL:        EndpointBaseURL,
		client:         new(fasthttp.Client),
	}
}

// GetGateway requests a valid WebSocket Gateway URL from the Discord API.
// https://discord.com/developers/docs/topics/gateway#get-gateway
func (c *Client) GetGateway() (*GetGatewayResponse, error) {
	result := new(GetGatewayResponse)
	if err := c.sendRequest(fasthttp.MethodGet, c.BaseURL+"gateway", result); err != nil {
		return nil, err
	}

	return result, nil
}

// GetGatewayBot requests a valid WebSocket Gateway URL from the Discord API,
// along with the recommended shard count and session start limit.
// https://discord.com/developers/docs/topics/gateway#get-gateway-bot
func (c *Client) GetGatewayBot() (*GetGatewayBotResponse, error) {
	result := new(GetGatewayBotResponse)
	if err := c.sendRequest(fasthttp.MethodGet, c.BaseURL+"gateway/bot", result); err != nil {
		return nil, err
	}

	return result, nil
}

// sendRequest sends a fasthttp.Request to the given URI,
// then parses the response into dst.
func (c *Client) sendRequest(method, uri string, dst any) error {
	correlation := xid.New().String()

	request := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(request)
	request.Header.SetMethod(method)
	request.Header.Set(headerAuthorizationKey, c.Authentication)
	request.SetRequestURI(uri)

	response := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(response)

	LogRequest(Logger.Debug(), correlation, uri).Msg("sending request")

	if err := c.client.Do(request, response); err != nil {
		return ErrorRequest{
			CorrelationID: correlation,
			Endpoint:      uri,
			Err:           err,
		}
	}

	if response.StatusCode() != fasthttp.StatusOK {
		return ErrorRequest{
			CorrelationID: correlation,
			Endpoint:      uri,
			Err:           fmt.Errorf(ErrStatusCode, response.StatusCode()),
		}
	}

	if err := json.Unmarshal(response.Body(), dst); err != nil {
		return ErrorRequest{
			CorrelationID: correlation,
			Endpoint:      uri,
			Err:           err,
		}
	}

	return nil
}
