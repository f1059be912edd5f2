package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/dns/dnsmessage"
)

const (
	discoveryWindow = 15 * time.Second
	retryInterval   = 2 * time.Second
	mdnsAddress     = "224.0.0.251:5353"
	readTimeout     = 100 * time.Millisecond
	maxBufSize      = 9000
	spanService     = "_span._tcp.local."
	spanHostMarker  = "span"
)

var errNoPanelsFound = errors.New("no SPAN panels found")

// DiscoverPanels browses mDNS for SPAN panels for up to window and returns
// the IPv4 addresses found, sorted.
func DiscoverPanels(ctx context.Context, window time.Duration, verbose bool) ([]string, error) {
	mcastAddr, err := net.ResolveUDPAddr("udp4", mdnsAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mDNS address: %w", err)
	}

	iface, err := getBestMulticastInterface(verbose)
	if err != nil && verbose {
		log.Warn().Err(err).Msg("Could not find best interface, using default")
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, mcastAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create multicast UDP listener: %w", err)
	}
	defer conn.Close()

	return collectPanelResponses(ctx, conn, mcastAddr, window, verbose)
}

// getBestMulticastInterface prefers an up, multicast, non-loopback interface
// with an IPv4 address and falls back to any up multicast interface.
func getBestMulticastInterface(verbose bool) (*net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if isIdealMulticastInterface(&iface) {
			if verbose {
				log.Info().Str("interface", iface.Name).Msg("Using interface for mDNS")
			}
			return &iface, nil
		}
	}

	for _, iface := range interfaces {
		if isUsableMulticastInterface(&iface) {
			if verbose {
				log.Info().Str("interface", iface.Name).Msg("Using fallback interface for mDNS")
			}
			return &iface, nil
		}
	}

	return nil, fmt.Errorf("no suitable multicast interface found")
}

func isIdealMulticastInterface(iface *net.Interface) bool {
	if !isUsableMulticastInterface(iface) || iface.Flags&net.FlagLoopback != 0 {
		return false
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return true
		}
	}
	return false
}

func isUsableMulticastInterface(iface *net.Interface) bool {
	return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0
}

// sendServiceQuery sends an mDNS PTR query for service.
func sendServiceQuery(conn *net.UDPConn, mcastAddr *net.UDPAddr, service string) error {
	name, err := dnsmessage.NewName(service)
	if err != nil {
		return fmt.Errorf("invalid service name %q: %w", service, err)
	}

	msg := dnsmessage.Message{
		Questions: []dnsmessage.Question{
			{Name: name, Type: dnsmessage.TypePTR, Class: dnsmessage.ClassINET},
		},
	}

	packed, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack DNS message: %w", err)
	}

	if _, err := conn.WriteTo(packed, mcastAddr); err != nil {
		return fmt.Errorf("failed to send mDNS query: %w", err)
	}
	return nil
}

// collectPanelResponses queries every retryInterval and gathers panel
// addresses until window elapses or ctx is done.
func collectPanelResponses(ctx context.Context, conn *net.UDPConn, mcastAddr *net.UDPAddr, window time.Duration,
	verbose bool,
) ([]string, error) {
	deadline := time.Now().Add(window)
	lastQuery := time.Time{}
	buffer := make([]byte, maxBufSize)
	found := make(map[string]bool)
	queries := 0

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			break
		}

		if time.Since(lastQuery) >= retryInterval {
			queries++
			if verbose {
				log.Info().Int("query", queries).Str("service", spanService).Msg("Sending mDNS query")
			}
			if err := sendServiceQuery(conn, mcastAddr, spanService); err != nil {
				return nil, err
			}
			lastQuery = time.Now()
		}

		ips, err := readAndProcessResponse(conn, buffer)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if !found[ip] && verbose {
				log.Info().Str("ip", ip).Msg("Found SPAN panel")
			}
			found[ip] = true
		}
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("%w after %v; ensure the panels are on the same network", errNoPanelsFound, window)
	}

	ips := make([]string, 0, len(found))
	for ip := range found {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips, nil
}

func readAndProcessResponse(conn *net.UDPConn, buffer []byte) ([]string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	n, _, err := conn.ReadFrom(buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to read from connection: %w", err)
	}

	return processResponse(buffer[:n])
}

// processResponse returns the IPv4 addresses of SPAN panels in a DNS
// message. A records count when the message answers the SPAN service or
// when the host name looks like a panel.
func processResponse(data []byte) ([]string, error) {
	var msg dnsmessage.Message
	if err := msg.Unpack(data); err != nil {
		return nil, fmt.Errorf("failed to unpack DNS message: %w", err)
	}

	records := append(append([]dnsmessage.Resource{}, msg.Answers...), msg.Additionals...)
	isService := false
	for i := range records {
		if records[i].Header.Type == dnsmessage.TypePTR &&
			strings.EqualFold(records[i].Header.Name.String(), spanService) {
			isService = true
			break
		}
	}

	var ips []string
	for i := range records {
		if ip, ok := panelAddress(&records[i], isService); ok {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func panelAddress(record *dnsmessage.Resource, isService bool) (string, bool) {
	if record.Header.Type != dnsmessage.TypeA {
		return "", false
	}
	if !isService && !strings.Contains(strings.ToLower(record.Header.Name.String()), spanHostMarker) {
		return "", false
	}

	a, ok := record.Body.(*dnsmessage.AResource)
	if !ok {
		return "", false
	}
	return net.IP(a.A[:]).String(), true
}
