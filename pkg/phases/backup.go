package phases

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/config"
	"github.com/pqmatrix/pqmatrix/pkg/transport/sshx"
)

// uploader is the slice of the SFTP transport the phase needs.
type uploader interface {
	Connect(ctx context.Context) error
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// BackupPhase archives the installer state (configuration and vault) and
// pushes it to the configured SFTP remote. It is optional: hosts without a
// backup remote simply skip it at the prerequisite gate.
type BackupPhase struct {
	basePhase

	// newUploader builds the transport; tests substitute a fake.
	newUploader func(env *Env) (uploader, error)

	// archivePath is the local archive created by Execute, removed by
	// Cleanup.
	archivePath string
}

// NewBackupPhase creates the phase.
func NewBackupPhase() *BackupPhase {
	return &BackupPhase{
		basePhase: basePhase{
			name:        "backup",
			description: "Archive installer state and upload it over SFTP",
			required:    false,
		},
		newUploader: newSFTPUploader,
	}
}

func newSFTPUploader(env *Env) (uploader, error) {
	remote := env.Config.GetString("backup.remote", "")
	user, host, port, err := config.ParseRemote(remote)
	if err != nil {
		return nil, err
	}
	return sshx.NewClient(&sshx.Config{
		Host:    host,
		Port:    port,
		User:    user,
		KeyPath: env.Config.GetString("backup.key_path", ""),
	}, env.Log)
}

// CheckPrerequisites requires a configured backup remote.
func (p *BackupPhase) CheckPrerequisites(_ context.Context, env *Env) error {
	if env.Config.GetString("backup.remote", "") == "" {
		return fmt.Errorf("backup.remote is not configured")
	}
	if env.Config.GetString("backup.path", "") == "" {
		return fmt.Errorf("backup.path is not configured")
	}
	return nil
}

func (p *BackupPhase) Execute(ctx context.Context, env *Env) Outcome {
	archive := filepath.Join(env.StateDir,
		fmt.Sprintf("state-%s.tar.gz", time.Now().UTC().Format("20060102-150405")))

	if err := p.writeArchive(env, archive); err != nil {
		return RecoverableFailure(fmt.Sprintf("creating backup archive: %v", err))
	}
	p.archivePath = archive

	up, err := p.newUploader(env)
	if err != nil {
		return RecoverableFailure(fmt.Sprintf("building backup transport: %v", err))
	}
	if err := up.Connect(ctx); err != nil {
		return RecoverableFailure(fmt.Sprintf("connecting to backup remote: %v", err))
	}
	defer up.Close()

	remotePath := path.Join(env.Config.GetString("backup.path", ""), filepath.Base(archive))
	if err := up.Upload(ctx, archive, remotePath); err != nil {
		return RecoverableFailure(fmt.Sprintf("uploading backup: %v", err))
	}

	env.Log.Infof("Backup uploaded to %s", remotePath)
	return Success()
}

// Cleanup removes the local archive; the uploaded copy is the deliverable.
func (p *BackupPhase) Cleanup(_ context.Context, _ *Env) error {
	if p.archivePath == "" {
		return nil
	}
	if err := os.Remove(p.archivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing local archive: %w", err)
	}
	p.archivePath = ""
	return nil
}

// writeArchive tars the configuration file and vault directory into a gzip
// archive, compressed at the tuning-derived level.
func (p *BackupPhase) writeArchive(env *Env, dest string) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewWriterLevel(f, env.Tuning.CompressionLevel)
	if err != nil {
		return err
	}
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	sources := []string{
		env.Config.Path(),
		filepath.Join(env.StateDir, "vault"),
	}
	for _, src := range sources {
		if err := addToArchive(tw, env.StateDir, src); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, root, src string) error {
	return filepath.Walk(src, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && file == src {
				// Optional sources like the vault may be absent.
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, file)
		if err != nil {
			rel = filepath.Base(file)
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = strings.ReplaceAll(rel, string(filepath.Separator), "/")
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		in, err := os.Open(file)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
}
