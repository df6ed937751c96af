package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Octogonapus/NetBenchmark/target"
	"github.com/Octogonapus/NetBenchmark/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/ssh"
)

const clusterTag = "netbenchmark-cluster"

var (
	launchAttempts    = 5
	launchRetryDelay  = 60 * time.Second
	addressAttempts   = 20
	addressPollDelay  = 3 * time.Second
	reachableAttempts = 30
	reachableDelay    = 10 * time.Second
	whoamiTimeout     = 30 * time.Second
)

// The subset of *ec2.Client used by EC2Provisioner.
type ec2API interface {
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
}

type ClusterSpec struct {
	Project     string
	Zone        string
	MachineType string
	NodeCount   int
	ImageID     string
	// Opened to the world in addition to SSH.
	Ports []int
}

type DiskSpec struct {
	Project string
	Zone    string
	SizeGB  int
	Name    string
}

type cluster struct {
	instanceIDs []string
	signer      ssh.Signer
}

// EC2Provisioner creates machines for a benchmark. It never deletes what it created.
type EC2Provisioner struct {
	User    string
	SSHPort int

	ec2 ec2API
	// Builds the target used to reach an instance. Replaced in tests.
	newTarget func(ip string, signer ssh.Signer) target.Target

	mu       sync.Mutex
	clusters map[string]*cluster
}

func NewEC2Provisioner(cfg aws.Config, user string, sshPort int) *EC2Provisioner {
	return newEC2Provisioner(ec2.NewFromConfig(cfg), user, sshPort)
}

func newEC2Provisioner(api ec2API, user string, sshPort int) *EC2Provisioner {
	p := &EC2Provisioner{
		User:     user,
		SSHPort:  sshPort,
		ec2:      api,
		clusters: map[string]*cluster{},
	}
	p.newTarget = func(ip string, signer ssh.Signer) target.Target {
		return &target.SSHTarget{
			User:    p.User,
			IP:      ip,
			SSHPort: p.SSHPort,
			Auths:   []ssh.AuthMethod{ssh.PublicKeys(signer)},
		}
	}
	return p
}

// CreateCluster launches spec.NodeCount instances sharing a key pair and security group. The returned ID is passed to
// Machines.
func (p *EC2Provisioner) CreateCluster(ctx context.Context, spec ClusterSpec) (string, error) {
	if spec.NodeCount < 1 {
		return "", fmt.Errorf("cluster needs at least one node, got %d", spec.NodeCount)
	}
	if spec.ImageID == "" {
		return "", errors.New("cluster needs an image ID")
	}
	clusterID := fmt.Sprintf("%s-%s", spec.Project, util.Randstring(8))

	key, err := p.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(clusterID),
		KeyType:           ec2Types.KeyTypeEd25519,
		KeyFormat:         ec2Types.KeyFormatPem,
		TagSpecifications: tags(ec2Types.ResourceTypeKeyPair, clusterID, spec.Project, clusterID),
	})
	if err != nil {
		return "", fmt.Errorf("creating key pair: %w", err)
	}
	slog.Debug("created key pair", slog.String("name", clusterID))
	signer, err := ssh.ParsePrivateKey([]byte(aws.ToString(key.KeyMaterial)))
	if err != nil {
		return "", fmt.Errorf("parsing private key of key pair %s: %w", clusterID, err)
	}

	sgID, err := p.createSecurityGroup(ctx, clusterID, spec)
	if err != nil {
		return "", err
	}

	instances, err := p.launchInstances(ctx, clusterID, sgID, spec)
	if err != nil {
		return "", err
	}

	ids := []string{}
	for _, ins := range instances.Instances {
		ids = append(ids, aws.ToString(ins.InstanceId))
	}
	slog.Info("created cluster", slog.String("cluster", clusterID), slog.String("instances", strings.Join(ids, ",")))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.clusters[clusterID] = &cluster{instanceIDs: ids, signer: signer}
	return clusterID, nil
}

func (p *EC2Provisioner) createSecurityGroup(ctx context.Context, clusterID string, spec ClusterSpec) (string, error) {
	vpcs, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2Types.Filter{{Name: aws.String("is-default"), Values: []string{"true"}}},
	})
	if err != nil {
		return "", fmt.Errorf("finding default VPC: %w", err)
	}
	if len(vpcs.Vpcs) == 0 {
		return "", errors.New("region has no default VPC")
	}
	vpcID := vpcs.Vpcs[0].VpcId

	sg, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(clusterID),
		Description:       aws.String(fmt.Sprintf("network benchmark cluster %s", clusterID)),
		VpcId:             vpcID,
		TagSpecifications: tags(ec2Types.ResourceTypeSecurityGroup, clusterID, spec.Project, clusterID),
	})
	if err != nil {
		return "", fmt.Errorf("creating security group: %w", err)
	}
	slog.Debug("created security group", slog.String("ID", aws.ToString(sg.GroupId)))

	perms := []ec2Types.IpPermission{{
		FromPort:   aws.Int32(22),
		ToPort:     aws.Int32(22),
		IpProtocol: aws.String("tcp"),
		IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
	}}
	for _, port := range spec.Ports {
		perms = append(perms, ec2Types.IpPermission{
			FromPort:   aws.Int32(int32(port)),
			ToPort:     aws.Int32(int32(port)),
			IpProtocol: aws.String("tcp"),
			IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		})
	}
	// Members of the group may reach each other on any port over their internal addresses.
	perms = append(perms, ec2Types.IpPermission{
		IpProtocol:       aws.String("-1"),
		UserIdGroupPairs: []ec2Types.UserIdGroupPair{{GroupId: sg.GroupId}},
	})
	_, err = p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       sg.GroupId,
		IpPermissions: perms,
	})
	if err != nil {
		return "", fmt.Errorf("opening ports on security group %s: %w", aws.ToString(sg.GroupId), err)
	}
	return aws.ToString(sg.GroupId), nil
}

func (p *EC2Provisioner) launchInstances(ctx context.Context, clusterID, sgID string, spec ClusterSpec) (*ec2.RunInstancesOutput, error) {
	var resp *ec2.RunInstancesOutput
	err := retry.Do(ctx, util.ConstantBackoff(launchAttempts, launchRetryDelay), func(ctx context.Context) error {
		var err error
		resp, err = p.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
			MinCount:     aws.Int32(int32(spec.NodeCount)),
			MaxCount:     aws.Int32(int32(spec.NodeCount)),
			ImageId:      aws.String(spec.ImageID),
			InstanceType: ec2Types.InstanceType(spec.MachineType),
			KeyName:      aws.String(clusterID),
			Placement:    &ec2Types.Placement{AvailabilityZone: aws.String(spec.Zone)},
			NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{
				{
					DeviceIndex:              aws.Int32(0),
					AssociatePublicIpAddress: aws.Bool(true),
					Groups:                   []string{sgID},
					DeleteOnTermination:      aws.Bool(true),
				},
			},
			TagSpecifications: tags(ec2Types.ResourceTypeInstance, clusterID, spec.Project, clusterID),
		})
		if err == nil || ctx.Err() != nil {
			return err
		}
		// Capacity errors are usually transient.
		slog.Debug("waiting to launch instances", slog.String("error", err.Error()))
		return retry.RetryableError(err)
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to launch instances: %w", err)
	}
	return resp, nil
}

// CreateDisk creates an unattached gp3 volume and returns its ID.
func (p *EC2Provisioner) CreateDisk(ctx context.Context, spec DiskSpec) (string, error) {
	if spec.SizeGB <= 0 {
		return "", fmt.Errorf("disk size must be positive, got %d", spec.SizeGB)
	}
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", spec.Project, util.Randstring(8))
	}
	resp, err := p.ec2.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone:  aws.String(spec.Zone),
		Size:              aws.Int32(int32(spec.SizeGB)),
		VolumeType:        ec2Types.VolumeTypeGp3,
		TagSpecifications: tags(ec2Types.ResourceTypeVolume, name, spec.Project, ""),
	})
	if err != nil {
		return "", fmt.Errorf("creating disk %s: %w", name, err)
	}
	slog.Info("created disk", slog.String("name", name), slog.String("ID", aws.ToString(resp.VolumeId)))
	return aws.ToString(resp.VolumeId), nil
}

// Machines waits until every instance of the cluster has its addresses and accepts SSH, then returns them in launch
// order.
func (p *EC2Provisioner) Machines(ctx context.Context, clusterID string) ([]*target.Machine, error) {
	p.mu.Lock()
	c, ok := p.clusters[clusterID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown cluster %s", clusterID)
	}

	instances, err := p.waitForAddresses(ctx, c.instanceIDs)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, err)
	}

	machines := []*target.Machine{}
	for i, ins := range instances {
		zone := ""
		if ins.Placement != nil {
			zone = aws.ToString(ins.Placement.AvailabilityZone)
		}
		m := &target.Machine{
			Name:        fmt.Sprintf("%s-%d", clusterID, i),
			InternalIP:  aws.ToString(ins.PrivateIpAddress),
			ExternalIP:  aws.ToString(ins.PublicIpAddress),
			MachineType: string(ins.InstanceType),
			Zone:        zone,
			Target:      p.newTarget(aws.ToString(ins.PublicIpAddress), c.signer),
		}
		err = waitForTargetReachable(ctx, m)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

var errAddressesPending = errors.New("instance addresses not assigned yet")

func (p *EC2Provisioner) waitForAddresses(ctx context.Context, ids []string) ([]ec2Types.Instance, error) {
	var instances []ec2Types.Instance
	poll := 0
	err := retry.Do(ctx, util.ConstantBackoff(addressAttempts, addressPollDelay), func(ctx context.Context) error {
		poll++
		resp, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
		if err != nil {
			return fmt.Errorf("describing instances: %w", err)
		}

		instances = []ec2Types.Instance{}
		for _, r := range resp.Reservations {
			instances = append(instances, r.Instances...)
		}
		ready := len(instances) == len(ids)
		for _, ins := range instances {
			if ins.PublicIpAddress == nil || ins.PrivateIpAddress == nil {
				ready = false
			}
		}
		if !ready {
			slog.Debug("waiting for instance addresses", slog.Int("attempt", poll))
			return retry.RetryableError(errAddressesPending)
		}
		return nil
	})
	if errors.Is(err, errAddressesPending) {
		return nil, errors.New("timed out waiting for instance addresses")
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(instances, func(a, b int) bool {
		return aws.ToInt32(instances[a].AmiLaunchIndex) < aws.ToInt32(instances[b].AmiLaunchIndex)
	})
	return instances, nil
}

func waitForTargetReachable(ctx context.Context, m *target.Machine) error {
	err := retry.Do(ctx, util.ConstantBackoff(reachableAttempts, reachableDelay), func(ctx context.Context) error {
		_, err := m.Target.RunCommand(ctx, "whoami", whoamiTimeout)
		if err == nil || ctx.Err() != nil {
			return err
		}
		slog.Debug("target reachability check failed", slog.String("machine", m.Name), slog.String("error", err.Error()))
		return retry.RetryableError(err)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("timed out waiting for %s to be reachable: %w", m.Name, err)
	}
	return nil
}

func tags(kind ec2Types.ResourceType, name, project, clusterID string) []ec2Types.TagSpecification {
	t := []ec2Types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
		{Key: aws.String("Project"), Value: aws.String(project)},
	}
	if clusterID != "" {
		t = append(t, ec2Types.Tag{Key: aws.String(clusterTag), Value: aws.String(clusterID)})
	}
	return []ec2Types.TagSpecification{{ResourceType: kind, Tags: t}}
}
