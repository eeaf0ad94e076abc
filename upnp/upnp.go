// Package upnp discovers a UPnP internet gateway on the local network
// and requests port forwards for it, a supplementary automatic
// port-mapping feature.
package upnp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Gateway is a discovered UPnP InternetGatewayDevice capable of port
// forwarding and external-address queries.
type Gateway interface {
	ExternalAddress() (net.IP, error)
	AddPortMapping(protocol string, internalIP net.IP, internalPort, externalPort uint16, description string, leaseSeconds int) (externalPort2 uint16, err error)
	DeletePortMapping(protocol string, externalPort uint16) error
}

type gateway struct {
	serviceURL string
	urnDomain  string
	localIP    net.IP
}

const (
	ssdpAddress   = "239.255.255.250:1900"
	discoverTries = 3
	requestTimeout = 3 * time.Second
)

// Discover probes the local network for an InternetGatewayDevice
// reachable from localIP. Returns an error if none answers within a
// few seconds.
func Discover(localIP net.IP) (Gateway, error) {
	ssdp, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort(localIP.String(), "0"))
	if err != nil {
		return nil, err
	}
	socket := conn.(*net.UDPConn)
	defer socket.Close()

	if err := socket.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}

	const searchTarget = "InternetGatewayDevice:1"
	message := []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddress + "\r\n" +
		"ST: ssdp:all\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n\r\n")

	answer := make([]byte, 2048)
	for attempt := 0; attempt < discoverTries; attempt++ {
		if _, err := socket.WriteToUDP(message, ssdp); err != nil {
			return nil, err
		}

		for {
			n, _, err := socket.ReadFromUDP(answer)
			if err != nil {
				break
			}

			reply := string(answer[:n])
			if !strings.Contains(reply, searchTarget) {
				continue
			}

			location, ok := extractLocation(reply)
			if !ok {
				continue
			}

			serviceURL, urnDomain, err := fetchServiceURL(localIP, location)
			if err != nil {
				return nil, err
			}
			return &gateway{serviceURL: serviceURL, urnDomain: urnDomain, localIP: localIP}, nil
		}
	}

	return nil, errors.New("upnp: no gateway responded")
}

func extractLocation(reply string) (string, bool) {
	lower := strings.ToLower(reply)
	const marker = "\r\nlocation:"
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return "", false
	}
	rest := reply[idx+len(marker):]
	end := strings.Index(rest, "\r\n")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// --- UPnP XML description parsing ---

type xmlService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

type xmlDeviceList struct {
	Device []xmlDevice `xml:"device"`
}

type xmlServiceList struct {
	Service []xmlService `xml:"service"`
}

type xmlDevice struct {
	DeviceType  string         `xml:"deviceType"`
	DeviceList  xmlDeviceList  `xml:"deviceList"`
	ServiceList xmlServiceList `xml:"serviceList"`
}

type xmlRoot struct {
	Device xmlDevice `xml:"device"`
}

func findDevice(d *xmlDevice, deviceType string) *xmlDevice {
	for i := range d.DeviceList.Device {
		if strings.Contains(d.DeviceList.Device[i].DeviceType, deviceType) {
			return &d.DeviceList.Device[i]
		}
	}
	return nil
}

func findService(d *xmlDevice, serviceType string) *xmlService {
	for i := range d.ServiceList.Service {
		if strings.Contains(d.ServiceList.Service[i].ServiceType, serviceType) {
			return &d.ServiceList.Service[i]
		}
	}
	return nil
}

func httpClientFor(localIP net.IP) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				LocalAddr: &net.TCPAddr{IP: localIP},
				Timeout:   requestTimeout,
			}).DialContext,
			TLSHandshakeTimeout: requestTimeout,
		},
		Timeout: requestTimeout,
	}
}

func fetchServiceURL(localIP net.IP, rootURL string) (serviceURL, urnDomain string, err error) {
	resp, err := httpClientFor(localIP).Get(rootURL)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("upnp: unexpected status %d fetching description", resp.StatusCode)
	}

	var desc xmlRoot
	if err := xml.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return "", "", err
	}

	root := &desc.Device
	if !strings.Contains(root.DeviceType, "InternetGatewayDevice:1") {
		return "", "", errors.New("upnp: not an InternetGatewayDevice")
	}
	wan := findDevice(root, "WANDevice:1")
	if wan == nil {
		return "", "", errors.New("upnp: no WANDevice")
	}
	wanConn := findDevice(wan, "WANConnectionDevice:1")
	if wanConn == nil {
		return "", "", errors.New("upnp: no WANConnectionDevice")
	}

	svc := findService(wanConn, "WANIPConnection:1")
	if svc == nil {
		// A few routers place WANIPConnection directly under WANDevice.
		svc = findService(wan, "WANIPConnection:1")
		if svc == nil {
			return "", "", errors.New("upnp: no WANIPConnection service")
		}
	}

	urnDomain = strings.Split(svc.ServiceType, ":")[1]
	return combineURL(rootURL, svc.ControlURL), urnDomain, nil
}

func combineURL(rootURL, controlURL string) string {
	const sep = "://"
	i := strings.Index(rootURL, sep)
	rest := rootURL[i+len(sep):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return rootURL[:i+len(sep)+slash] + controlURL
	}
	return rootURL + controlURL
}

// --- SOAP control requests ---

type soapBody struct {
	Data []byte `xml:",innerxml"`
}

type soapEnvelope struct {
	Body soapBody `xml:"Body"`
}

func (g *gateway) soapCall(function, message string) ([]byte, error) {
	envelope := `<?xml version="1.0" ?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + message + `</s:Body></s:Envelope>`

	req, err := http.NewRequest(http.MethodPost, g.serviceURL, bytes.NewBufferString(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml ; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"urn:%s:service:WANIPConnection:1#%s"`, g.urnDomain, function))
	req.Header.Set("Connection", "Close")

	resp, err := httpClientFor(g.localIP).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upnp: %s returned status %d", function, resp.StatusCode)
	}

	var reply soapEnvelope
	if err := xml.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return reply.Body.Data, nil
}

// ExternalAddress queries the gateway's current public IP.
func (g *gateway) ExternalAddress() (net.IP, error) {
	message := fmt.Sprintf(`<u:GetExternalIPAddress xmlns:u="urn:%s:service:WANIPConnection:1"></u:GetExternalIPAddress>`, g.urnDomain)
	response, err := g.soapCall("GetExternalIPAddress", message)
	if err != nil {
		return nil, err
	}

	var reply struct {
		ExternalIPAddress string `xml:"NewExternalIPAddress"`
	}
	if err := xml.Unmarshal(response, &reply); err != nil {
		return nil, err
	}

	addr := net.ParseIP(reply.ExternalIPAddress)
	if addr == nil {
		return nil, errors.New("upnp: gateway returned unparsable address")
	}
	return addr, nil
}

// AddPortMapping requests that externalPort on the gateway forward to
// internalIP:internalPort for leaseSeconds (0 = until removed).
// FritzBox-style routers accept re-forwarding an already forwarded
// port without error.
func (g *gateway) AddPortMapping(protocol string, internalIP net.IP, internalPort, externalPort uint16, description string, leaseSeconds int) (uint16, error) {
	message := fmt.Sprintf(
		`<u:AddPortMapping xmlns:u="urn:%s:service:WANIPConnection:1">`+
			`<NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort>`+
			`<NewProtocol>%s</NewProtocol><NewInternalPort>%d</NewInternalPort>`+
			`<NewInternalClient>%s</NewInternalClient><NewEnabled>1</NewEnabled>`+
			`<NewPortMappingDescription>%s</NewPortMappingDescription>`+
			`<NewLeaseDuration>%d</NewLeaseDuration></u:AddPortMapping>`,
		g.urnDomain, externalPort, strings.ToUpper(protocol), internalPort, internalIP.String(), description, leaseSeconds)

	if _, err := g.soapCall("AddPortMapping", message); err != nil {
		return 0, err
	}
	return externalPort, nil
}

// DeletePortMapping removes a previously requested forward.
func (g *gateway) DeletePortMapping(protocol string, externalPort uint16) error {
	message := fmt.Sprintf(
		`<u:DeletePortMapping xmlns:u="urn:%s:service:WANIPConnection:1">`+
			`<NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort>`+
			`<NewProtocol>%s</NewProtocol></u:DeletePortMapping>`,
		g.urnDomain, externalPort, strings.ToUpper(protocol))

	_, err := g.soapCall("DeletePortMapping", message)
	return err
}
