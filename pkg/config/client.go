package config

import (
	"fmt"

	"github.com/marmos91/gridftp/pkg/gridftp"
	"github.com/marmos91/gridftp/pkg/gsi"
)

// HandleAttr builds the client-wide attributes.
func (c *ClientConfig) HandleAttr() (*gridftp.HandleAttr, error) {
	attr := gridftp.NewHandleAttr()
	if err := attr.SetCacheAll(c.CacheConnections); err != nil {
		return nil, err
	}
	return attr, nil
}

// OperationAttr builds the per-operation attributes. The caller owns the
// result and destroys it once its operations are done.
func (c *ClientConfig) OperationAttr() (*gridftp.OperationAttr, error) {
	attr := gridftp.NewOperationAttr()
	if err := c.applyTo(attr); err != nil {
		attr.Destroy()
		return nil, err
	}
	return attr, nil
}

func (c *ClientConfig) applyTo(attr *gridftp.OperationAttr) error {
	switch c.Type {
	case "ascii":
		if err := attr.SetType(gridftp.TypeASCII); err != nil {
			return err
		}
	case "binary", "":
	default:
		return fmt.Errorf("unknown type %q", c.Type)
	}

	switch c.Mode {
	case "extended_block":
		if err := attr.SetModeExtendedBlock(); err != nil {
			return err
		}
	case "stream", "":
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	p := gridftp.NewParallelism()
	defer p.Destroy()
	if err := p.SetModeFixed(); err != nil {
		return err
	}
	if err := p.SetSize(c.Parallelism); err != nil {
		return err
	}
	if err := attr.SetParallelism(p); err != nil {
		return err
	}

	if c.TCPBuffer > 0 {
		b := gridftp.NewTCPBuffer()
		defer b.Destroy()
		if err := b.SetModeFixed(); err != nil {
			return err
		}
		if err := b.SetSize(c.TCPBuffer.Int64()); err != nil {
			return err
		}
		if err := attr.SetTCPBuffer(b); err != nil {
			return err
		}
	}

	if err := attr.SetBuffers(c.Buffers); err != nil {
		return err
	}
	if err := attr.SetStriped(c.Striped); err != nil {
		return err
	}
	if err := attr.SetDiskStack(c.DiskStack); err != nil {
		return err
	}
	if err := attr.SetBlockSize(c.BlockSize.Int()); err != nil {
		return err
	}
	if err := attr.SetTimeout(c.Timeout); err != nil {
		return err
	}
	if err := attr.SetAbortTimeout(c.AbortTimeout); err != nil {
		return err
	}
	return attr.SetMarkerInterval(c.MarkerInterval)
}

// GSI returns the configured credentials, completed from the X509_*
// environment variables.
func (c *CredentialsConfig) GSI() gsi.Credentials {
	return gsi.Credentials{
		ProxyFile:          c.ProxyFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		PKCS12File:         c.PKCS12File,
		PKCS12Password:     c.PKCS12Password,
		CADir:              c.CADir,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}.FromEnvironment()
}
