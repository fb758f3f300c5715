package mesh

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig holds TLS materials for the relay connection. A client
// certificate is optional and only sent when both paths are set.
type TLSConfig struct {
	Enabled            bool
	CertPath           string
	KeyPath            string
	CAPath             string
	ServerName         string
	InsecureSkipVerify bool
}

func dialTransportOption(tlsCfg TLSConfig) (grpc.DialOption, error) {
	if !tlsCfg.Enabled {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         tlsCfg.ServerName,
		InsecureSkipVerify: tlsCfg.InsecureSkipVerify,
	}
	switch {
	case tlsCfg.CertPath != "" && tlsCfg.KeyPath != "":
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load relay client cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	case tlsCfg.CertPath != "" || tlsCfg.KeyPath != "":
		return nil, errors.New("tls client cert and key must be set together")
	}
	if tlsCfg.CAPath != "" {
		pool := x509.NewCertPool()
		caBytes, err := os.ReadFile(tlsCfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read relay ca: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, errors.New("append relay ca cert failed")
		}
		config.RootCAs = pool
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(config)), nil
}
